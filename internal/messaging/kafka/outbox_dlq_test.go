package kafka

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

func TestOutboxDLQPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndSucceed()

	publisher := NewOutboxDLQPublisher(NewProducerWith(mockProducer, nil), "")
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.OutboxAggregateSchedule,
		AggregateID:   "s-1",
		EventType:     domain.OutboxDeliveryEnqueue,
		Payload:       []byte(`{"schedule_id":"s-1"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxDLQPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxDLQPublisher(NewProducerWith(mockProducer, nil), TopicDeadLetterQueue)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-2"}); err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxDLQPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxDLQPublisher(nil, TopicDeadLetterQueue)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
