package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus описывает состояние записи о платеже.
type PaymentStatus string

const (
	// PaymentStatusPending — списание инициировано, итог ещё не известен.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusConfirmed — деньги списаны.
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"
	// PaymentStatusFailed — шлюз отклонил платёж, истёк таймаут или требуется доп. действие.
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// ChargeStatus — ответ платёжного шлюза.
type ChargeStatus string

const (
	ChargeConfirmed      ChargeStatus = "confirmed"
	ChargeFailed         ChargeStatus = "failed"
	ChargeRequiresAction ChargeStatus = "requires_action"
)

// ChargeRequest — параметры списания.
type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	PayerReference string
	MethodRef      string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeResult — итог списания от шлюза.
type ChargeResult struct {
	ReferenceID    string
	Status         ChargeStatus
	CapturedAmount decimal.Decimal
	Currency       string
}

// Confirmed сообщает, разрешает ли ответ продолжать сагу.
func (r ChargeResult) Confirmed() bool {
	return r.Status == ChargeConfirmed
}

// PaymentRecord — аудит списания, не удаляется.
type PaymentRecord struct {
	ID              string
	SenderID        string
	ReferenceID     string
	Amount          decimal.Decimal
	CapturedAmount  decimal.Decimal
	Currency        string
	Status          PaymentStatus
	InventoryUnitID string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
