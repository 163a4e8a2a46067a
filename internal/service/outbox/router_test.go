package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/service/notify"
)

func routedEnqueue(t *testing.T, scheduleID string) domain.OutboxMessage {
	t.Helper()

	payload, err := json.Marshal(domain.DeliveryEnqueue{ScheduleID: scheduleID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return domain.OutboxMessage{
		ID:            "msg-" + scheduleID,
		AggregateType: domain.OutboxAggregateSchedule,
		AggregateID:   scheduleID,
		EventType:     domain.OutboxDeliveryEnqueue,
		Payload:       payload,
	}
}

func TestRouterEnqueue(t *testing.T) {
	t.Parallel()

	var got []string
	router := NewRouter(func(_ context.Context, id string) error {
		got = append(got, id)
		return nil
	}, nil)

	if err := router.Publish(context.Background(), routedEnqueue(t, "s-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0] != "s-1" {
		t.Fatalf("unexpected enqueue calls: %v", got)
	}
}

func TestRouterEnqueueTreatsExistingJobAsDone(t *testing.T) {
	t.Parallel()

	router := NewRouter(func(context.Context, string) error {
		return domain.ErrJobExists
	}, nil)
	if err := router.Publish(context.Background(), routedEnqueue(t, "s-2")); err != nil {
		t.Fatalf("existing job must not fail publish: %v", err)
	}

	boom := errors.New("redis down")
	router = NewRouter(func(context.Context, string) error { return boom }, nil)
	if err := router.Publish(context.Background(), routedEnqueue(t, "s-3")); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRouterNotifiesEvents(t *testing.T) {
	t.Parallel()

	rec := notify.NewRecorder(2)
	router := NewRouter(nil, rec)

	payload, err := domain.EncodeEvent(domain.GiftDelivered{ScheduleID: "s-1", SenderID: "sender-1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	err = router.Publish(context.Background(), domain.OutboxMessage{
		ID:          "msg-1",
		AggregateID: "s-1",
		EventType:   string(domain.EventGiftDelivered),
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	events := rec.Drain()
	if len(events) != 1 || events[0].Type() != domain.EventGiftDelivered {
		t.Fatalf("unexpected events: %v", events)
	}

	if err := router.Publish(context.Background(), domain.OutboxMessage{EventType: "unknown"}); !errors.Is(err, domain.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
