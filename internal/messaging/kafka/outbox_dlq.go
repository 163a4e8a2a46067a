package kafka

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// OutboxDLQPublisher складывает не доставленные outbox-сообщения в DLQ topic.
type OutboxDLQPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxDLQPublisher создаёт DLQ-паблишер для outbox worker.
func NewOutboxDLQPublisher(producer *Producer, topic string) *OutboxDLQPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &OutboxDLQPublisher{producer: producer, topic: topic}
}

func (p *OutboxDLQPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka outbox dlq publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	return p.producer.PublishRaw(p.topic, key, msg.Payload, map[string]string{
		HeaderEventType:     msg.EventType,
		HeaderOriginalTopic: OutboxOrigin,
	})
}

var _ domain.OutboxPublisher = (*OutboxDLQPublisher)(nil)
