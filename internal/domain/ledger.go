package domain

import "time"

// TransactionType — тип записи складского журнала.
type TransactionType string

const (
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionSale       TransactionType = "SALE"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// Причины корректировок.
const (
	ReasonPaymentFailed      = "payment failed"
	ReasonCancelled          = "schedule cancelled"
	ReasonReservationExpired = "reservation expired"
	ReasonSettleFailed       = "settle failed"
)

// InventoryTransaction — неизменяемая запись журнала по единице товара.
type InventoryTransaction struct {
	ID          string
	UnitID      string
	Type        TransactionType
	FromStatus  InventoryStatus
	ToStatus    InventoryStatus
	Reason      string
	ReferenceID string
	ActorID     string
	OccurredAt  time.Time
}
