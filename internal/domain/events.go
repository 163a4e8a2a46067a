package domain

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// EventType — тип уведомления для внешнего fan-out.
type EventType string

const (
	EventScheduleCreated EventType = "gift.schedule_created"
	EventGiftDelivered   EventType = "gift.delivered"
	EventDeliveryFailed  EventType = "gift.delivery_failed"
	EventInventoryLow    EventType = "inventory.low"
)

// Event — закрытый набор уведомлений. Реализации есть только в этом пакете.
type Event interface {
	Type() EventType
	// Key задаёт ключ партиционирования (отправитель или вендор).
	Key() string
	sealed()
}

// ScheduleCreated — подарок оплачен и запланирован.
type ScheduleCreated struct {
	ScheduleID    string          `json:"schedule_id"`
	SenderID      string          `json:"sender_id"`
	RecipientName string          `json:"recipient_name"`
	VendorName    string          `json:"vendor_name"`
	Amount        decimal.Decimal `json:"amount"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
}

// GiftDelivered — письмо с подарком отправлено.
type GiftDelivered struct {
	ScheduleID     string    `json:"schedule_id"`
	SenderID       string    `json:"sender_id"`
	RecipientEmail string    `json:"recipient_email"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// GiftDeliveryFailed — доставка не удалась после всех попыток.
type GiftDeliveryFailed struct {
	ScheduleID string `json:"schedule_id"`
	SenderID   string `json:"sender_id"`
	JobID      string `json:"job_id"`
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts"`
}

// InventoryLow — остаток по вендору и номиналу опустился до порога.
type InventoryLow struct {
	VendorID  string          `json:"vendor_id"`
	FaceValue decimal.Decimal `json:"face_value"`
	Remaining int             `json:"remaining"`
	Level     StockLevel      `json:"level"`
}

func (ScheduleCreated) Type() EventType    { return EventScheduleCreated }
func (GiftDelivered) Type() EventType      { return EventGiftDelivered }
func (GiftDeliveryFailed) Type() EventType { return EventDeliveryFailed }
func (InventoryLow) Type() EventType       { return EventInventoryLow }

func (e ScheduleCreated) Key() string    { return e.SenderID }
func (e GiftDelivered) Key() string      { return e.SenderID }
func (e GiftDeliveryFailed) Key() string { return e.SenderID }
func (e InventoryLow) Key() string       { return e.VendorID }

func (ScheduleCreated) sealed()    {}
func (GiftDelivered) sealed()      {}
func (GiftDeliveryFailed) sealed() {}
func (InventoryLow) sealed()       {}

// ErrUnknownEvent возвращается при декодировании неизвестного типа.
var ErrUnknownEvent = errors.New("unknown event type")

// EncodeEvent сериализует событие для outbox.
func EncodeEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent восстанавливает событие по типу.
func DecodeEvent(t EventType, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case EventScheduleCreated:
		var v ScheduleCreated
		err = json.Unmarshal(payload, &v)
		ev = v
	case EventGiftDelivered:
		var v GiftDelivered
		err = json.Unmarshal(payload, &v)
		ev = v
	case EventDeliveryFailed:
		var v GiftDeliveryFailed
		err = json.Unmarshal(payload, &v)
		ev = v
	case EventInventoryLow:
		var v InventoryLow
		err = json.Unmarshal(payload, &v)
		ev = v
	default:
		return nil, errors.Wrapf(ErrUnknownEvent, "type %q", t)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", t)
	}
	return ev, nil
}

// EventText — короткий человекочитаемый текст уведомления.
func EventText(e Event) string {
	switch v := e.(type) {
	case ScheduleCreated:
		return "Gift for " + v.RecipientName + " from " + v.VendorName + " scheduled on " + v.ScheduledAt.Format(DateLayout)
	case GiftDelivered:
		return "Gift delivered to " + v.RecipientEmail
	case GiftDeliveryFailed:
		return "Gift delivery failed: " + v.Reason
	case InventoryLow:
		return "Inventory for vendor " + v.VendorID + " at " + v.FaceValue.String() + " is " + string(v.Level)
	default:
		return string(e.Type())
	}
}

// DateLayout — строгий формат календарной даты.
const DateLayout = "2006-01-02"
