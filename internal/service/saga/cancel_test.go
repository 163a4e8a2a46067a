package saga

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/fixtures"
)

func TestCancel_PendingScheduleRestocksUnit(t *testing.T) {
	h := newHarness(t)
	unit := h.units(t, 1, 25)[0]
	ctx := context.Background()

	res, err := h.orch.Schedule(ctx, fixtures.SenderID, request(25, 5*24*time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := h.orch.Cancel(ctx, fixtures.SenderID, res.ScheduleID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := fixtures.Unit(t, h.store, unit.ID).Status; got != domain.InventoryAvailable {
		t.Fatalf("unit must return to AVAILABLE, got %s", got)
	}
	if _, err := fixtures.Schedule(t, h.store, res.ScheduleID); !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Fatalf("schedule must be deleted, got %v", err)
	}
	if _, err := h.queue.Get(ctx, res.ScheduleID); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("job must be removed, got %v", err)
	}

	entries := fixtures.Ledger(t, h.store, unit.ID)
	last := entries[len(entries)-1]
	if last.Type != domain.TransactionAdjustment || last.Reason != domain.ReasonCancelled {
		t.Fatalf("expected cancel adjustment, got %+v", last)
	}
}

func TestCancel_SentScheduleIsNotFound(t *testing.T) {
	h := newHarness(t)
	unit := h.units(t, 1, 25)[0]
	ctx := context.Background()
	schedule := fixtures.AddPendingSchedule(t, h.store, unit, fixtures.Now, false)

	sentAt := fixtures.Now
	err := h.store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Schedules().SetStatus(ctx, schedule.ID, domain.DeliveryPending, domain.DeliverySent, &sentAt, "", sentAt)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = h.orch.Cancel(ctx, fixtures.SenderID, schedule.ID)
	if !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Fatalf("expected not found for SENT schedule, got %v", err)
	}
	if got := fixtures.Unit(t, h.store, unit.ID).Status; got != domain.InventoryUsed {
		t.Fatalf("sold unit must stay USED, got %s", got)
	}
}

func TestCancel_ForeignScheduleIsNotFound(t *testing.T) {
	h := newHarness(t)
	h.units(t, 1, 25)
	ctx := context.Background()

	res, err := h.orch.Schedule(ctx, fixtures.SenderID, request(25, 24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Cancel(ctx, "someone-else", res.ScheduleID); !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancel_FiredJobIsNotReversed(t *testing.T) {
	h := newHarness(t)
	h.units(t, 1, 25)
	ctx := context.Background()

	res, err := h.orch.Schedule(ctx, fixtures.SenderID, request(25, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := h.queue.Dequeue(ctx, fixtures.Now); err != nil || !ok {
		t.Fatalf("expected immediate job to be dequeued: ok=%v err=%v", ok, err)
	}

	if err := h.orch.Cancel(ctx, fixtures.SenderID, res.ScheduleID); !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Fatalf("expected not found while job is active, got %v", err)
	}
}

func TestUpdateSchedule_ReschedulesDelayedJob(t *testing.T) {
	h := newHarness(t)
	h.units(t, 1, 25)
	ctx := context.Background()

	res, err := h.orch.Schedule(ctx, fixtures.SenderID, request(25, 10*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	date := fixtures.Now.Add(20 * 24 * time.Hour).Format(domain.DateLayout)
	updated, err := h.orch.UpdateSchedule(ctx, fixtures.SenderID, res.ScheduleID, domain.SchedulePatch{ScheduledDate: &date})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ScheduledAt.Format(domain.DateLayout) != date {
		t.Fatalf("unexpected scheduled date %s", updated.ScheduledAt)
	}
	job, err := h.queue.Get(ctx, res.ScheduleID)
	if err != nil {
		t.Fatal(err)
	}
	if !job.RunAt.Equal(updated.ScheduledAt) {
		t.Fatalf("job must move with schedule: %s vs %s", job.RunAt, updated.ScheduledAt)
	}
}

func TestUpdateSchedule_MessageChangeRefreshesPayload(t *testing.T) {
	h := newHarness(t)
	h.units(t, 1, 25)
	ctx := context.Background()

	res, err := h.orch.Schedule(ctx, fixtures.SenderID, request(25, 10*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	msg := "See you soon"
	if _, err := h.orch.UpdateSchedule(ctx, fixtures.SenderID, res.ScheduleID, domain.SchedulePatch{CustomMessage: &msg}); err != nil {
		t.Fatalf("update: %v", err)
	}
	job, err := h.queue.Get(ctx, res.ScheduleID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Payload.CustomMessage != msg {
		t.Fatalf("payload must carry new message, got %q", job.Payload.CustomMessage)
	}
}

func TestUpdateSchedule_RejectsEmptyPatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.UpdateSchedule(context.Background(), fixtures.SenderID, "any", domain.SchedulePatch{})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestListSchedules_ScopesToSender(t *testing.T) {
	h := newHarness(t)
	h.units(t, 3, 25)
	ctx := context.Background()

	for i := range 3 {
		req := request(25, time.Duration(i+1)*24*time.Hour)
		if _, err := h.orch.Schedule(ctx, fixtures.SenderID, req); err != nil {
			t.Fatal(err)
		}
	}

	items, total, err := h.orch.ListSchedules(ctx, fixtures.SenderID, domain.ScheduleFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}

	_, total, err = h.orch.ListSchedules(ctx, "sender-2", domain.ScheduleFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Fatalf("foreign sender must see nothing, got %d", total)
	}
}
