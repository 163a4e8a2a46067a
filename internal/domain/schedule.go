package domain

import (
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// DeliveryStatus описывает состояние доставки подарка.
type DeliveryStatus string

const (
	// DeliveryPending — подарок оплачен и ждёт даты доставки.
	DeliveryPending DeliveryStatus = "PENDING"
	// DeliverySent — письмо с подарком доставлено.
	DeliverySent DeliveryStatus = "SENT"
	// DeliveryFailed — доставка не удалась после всех попыток.
	DeliveryFailed DeliveryStatus = "FAILED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySent, DeliveryFailed:
		return true
	default:
		return false
	}
}

// Terminal сообщает, является ли статус конечным.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed
}

// DeliverySchedule связывает отправителя, получателя, единицу товара и дату доставки.
type DeliverySchedule struct {
	ID              string
	SenderID        string
	RecipientID     string
	InventoryUnitID string
	PaymentID       string
	ScheduledAt     time.Time
	CustomMessage   string
	NotifySender    bool
	Status          DeliveryStatus
	SentAt          *time.Time
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobID — идентификатор задачи доставки в очереди; совпадает с ID расписания.
func (s DeliverySchedule) JobID() string {
	return s.ID
}

// RecipientInput — данные получателя из запроса.
type RecipientInput struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Birthday string `json:"birthday" validate:"required"`
}

// ScheduleRequest — запрос на покупку и отложенную доставку подарочной карты.
type ScheduleRequest struct {
	VendorID       string          `json:"vendor_id" validate:"required,max=64"`
	Amount         decimal.Decimal `json:"amount"`
	Recipient      RecipientInput  `json:"recipient" validate:"required"`
	SendGiftDate   string          `json:"send_gift_date" validate:"required"`
	IsNotify       bool            `json:"is_notify"`
	CustomMessage  string          `json:"custom_message" validate:"max=500"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

// SchedulePatch — разрешённые к изменению поля расписания.
type SchedulePatch struct {
	ScheduledDate *string `json:"scheduled_date,omitempty"`
	CustomMessage *string `json:"custom_message,omitempty" validate:"omitempty,max=500"`
}

// ScheduleResult возвращается вызывающему после успешного планирования.
type ScheduleResult struct {
	ScheduleID       string          `json:"schedule_id"`
	PaymentReference string          `json:"payment_reference"`
	FaceValue        decimal.Decimal `json:"face_value"`
	SellingPrice     decimal.Decimal `json:"selling_price"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	DelayMillis      int64           `json:"delay_ms"`
	Delay            string          `json:"delay"`
}

// ScheduleFilter — фильтры выборки расписаний.
type ScheduleFilter struct {
	SenderID      string
	RecipientID   string
	Status        DeliveryStatus
	ScheduledFrom *time.Time
	ScheduledTo   *time.Time
	Offset        int
	Limit         int
}

// ScheduleSummary — строка списка расписаний отправителя.
type ScheduleSummary struct {
	DeliverySchedule
	RecipientName  string
	RecipientEmail string
	VendorID       string
	VendorName     string
	FaceValue      decimal.Decimal
}

// ScheduleDetails — свежие данные для письма и уведомления отправителю.
type ScheduleDetails struct {
	Schedule  DeliverySchedule
	Sender    Sender
	Recipient Recipient
	Vendor    Vendor
	Unit      InventoryUnit
}

var validate = newValidator()

// newValidator называет поля в ошибках по json-тегам, как их видит клиент.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate проверяет запрос без побочных эффектов.
func (r *ScheduleRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return validationFromValidator(err)
	}
	if !r.Amount.IsPositive() {
		return NewValidationError("amount", ErrAmountInvalid.Error())
	}
	return nil
}

// Validate проверяет патч расписания.
func (p *SchedulePatch) Validate() error {
	if err := validate.Struct(p); err != nil {
		return validationFromValidator(err)
	}
	if p.ScheduledDate == nil && p.CustomMessage == nil {
		return NewValidationError("patch", "at least one field is required")
	}
	return nil
}

func validationFromValidator(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return NewValidationError("request", err.Error())
	}
	fe := fieldErrs[0]
	return NewValidationError(jsonFieldPath(fe.Namespace()), "failed on "+fe.Tag())
}

// jsonFieldPath отрезает имя корневой структуры: ScheduleRequest.recipient.email -> recipient.email.
func jsonFieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
