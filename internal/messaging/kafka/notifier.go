package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// Notifier публикует уведомления в Kafka topic, ключом служит отправитель или вендор.
type Notifier struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewNotifier создаёт Kafka-нотификатор.
func NewNotifier(producer *Producer, topic string) *Notifier {
	if topic == "" {
		topic = TopicNotifications
	}
	return &Notifier{producer: producer, topic: topic, now: time.Now}
}

func (n *Notifier) Notify(ctx context.Context, event domain.Event) error {
	if n == nil || n.producer == nil {
		return errors.New("kafka notifier is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	envelope, err := NewNotification(event, n.now())
	if err != nil {
		return errors.Wrap(err, "build notification")
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}

	return n.producer.PublishRaw(n.topic, envelope.Key, value, map[string]string{
		HeaderEventType: string(envelope.EventType),
	})
}

var _ domain.Notifier = (*Notifier)(nil)
