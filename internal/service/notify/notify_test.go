package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, domain.Event) error { return f.err }

func TestLogNotifierHandlesAllEvents(t *testing.T) {
	n := NewLogNotifier(nil)
	events := []domain.Event{
		domain.ScheduleCreated{ScheduleID: "s-1"},
		domain.GiftDelivered{ScheduleID: "s-1"},
		domain.GiftDeliveryFailed{ScheduleID: "s-1", JobID: "s-1", Attempts: 3},
		domain.InventoryLow{VendorID: "v-1", Remaining: 1},
	}
	for _, e := range events {
		if err := n.Notify(context.Background(), e); err != nil {
			t.Fatalf("%s: %v", e.Type(), err)
		}
	}
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	rec := NewRecorder(4)
	m := Multi{failingNotifier{err: boom}, nil, rec}

	err := m.Notify(context.Background(), domain.GiftDelivered{ScheduleID: "s-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := rec.Drain(); len(got) != 1 {
		t.Fatalf("expected event delivered to recorder, got %d", len(got))
	}
}
