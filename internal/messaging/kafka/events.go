package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// Topics для Kafka
const (
	TopicNotifications   = "giftsched.notifications"
	TopicDeadLetterQueue = "giftsched.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OutboxOrigin — значение HeaderOriginalTopic для сообщений, попавших в DLQ из outbox.
const OutboxOrigin = "outbox"

// Notification — конверт уведомления в topic.
type Notification struct {
	EventType   domain.EventType `json:"event_type"`
	Key         string           `json:"key"`
	Text        string           `json:"text"`
	Payload     json.RawMessage  `json:"payload"`
	PublishedAt time.Time        `json:"published_at"`
}

// NewNotification заворачивает доменное событие в конверт.
func NewNotification(event domain.Event, at time.Time) (Notification, error) {
	payload, err := domain.EncodeEvent(event)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		EventType:   event.Type(),
		Key:         event.Key(),
		Text:        domain.EventText(event),
		Payload:     payload,
		PublishedAt: at.UTC(),
	}, nil
}

// Event восстанавливает доменное событие из конверта.
func (n Notification) Event() (domain.Event, error) {
	return domain.DecodeEvent(n.EventType, n.Payload)
}
