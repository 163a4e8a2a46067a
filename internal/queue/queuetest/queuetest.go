// Package queuetest содержит общий набор проверок для реализаций domain.DelayQueue.
package queuetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// Backoff — базовая пауза повтора, с которой фабрика должна создавать очередь.
const Backoff = 2 * time.Second

// Base — опорное время проверок.
var Base = time.Date(2026, time.May, 17, 0, 0, 0, 0, time.UTC)

// NewJob собирает задачу доставки с заданным временем запуска.
func NewJob(id string, runAt time.Time, maxAttempts int) domain.Job {
	return domain.Job{
		ID:   id,
		Name: domain.DeliveryJobName,
		Payload: domain.DeliveryPayload{
			ScheduleID:     id,
			SenderID:       "sender-1",
			RecipientName:  "Ada",
			RecipientEmail: "ada@example.com",
			VendorName:     "Amazon",
			FaceValue:      decimal.NewFromInt(50),
			GiftCode:       "CODE-" + id,
			ScheduledAt:    runAt,
		},
		RunAt:       runAt,
		EnqueuedAt:  Base,
		MaxAttempts: maxAttempts,
	}
}

// Run прогоняет контракт очереди. newQueue должен возвращать пустую очередь с backoff = Backoff.
func Run(t *testing.T, newQueue func(t *testing.T) domain.DelayQueue) {
	t.Run("DelayedJobIsNotDeliveredEarly", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("job-1", Base.Add(time.Hour), 3)))

		job, err := q.Get(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, domain.JobDelayed, job.State)
		require.Equal(t, "CODE-job-1", job.Payload.GiftCode)

		n, err := q.Promote(ctx, Base.Add(59*time.Minute))
		require.NoError(t, err)
		require.Zero(t, n)
		_, ok, err := q.Dequeue(ctx, Base.Add(59*time.Minute))
		require.NoError(t, err)
		require.False(t, ok)

		n, err = q.Promote(ctx, Base.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		job, ok, err = q.Dequeue(ctx, Base.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "job-1", job.ID)
		require.Equal(t, domain.JobActive, job.State)
		require.Equal(t, 1, job.Attempts)
	})

	t.Run("ImmediateJobIsWaiting", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("job-now", Base, 3)))
		job, ok, err := q.Dequeue(ctx, Base)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "job-now", job.ID)
	})

	t.Run("DuplicateEnqueueRejected", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("job-dup", Base.Add(time.Hour), 3)))
		require.ErrorIs(t, q.Enqueue(ctx, NewJob("job-dup", Base, 3)), domain.ErrJobExists)
	})

	t.Run("CompleteMovesToTerminal", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("job-ok", Base, 3)))
		_, ok, err := q.Dequeue(ctx, Base)
		require.NoError(t, err)
		require.True(t, ok)

		job, err := q.Complete(ctx, "job-ok", Base.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, domain.JobCompleted, job.State)
		require.NotNil(t, job.FinishedAt)

		_, err = q.Complete(ctx, "job-ok", Base.Add(time.Second))
		require.ErrorIs(t, err, domain.ErrJobState)
		_, err = q.Complete(ctx, "missing", Base)
		require.ErrorIs(t, err, domain.ErrJobNotFound)

		terminal, err := q.Terminal(ctx, 10)
		require.NoError(t, err)
		require.Len(t, terminal, 1)
		require.Equal(t, "job-ok", terminal[0].ID)
	})

	t.Run("FailRetriesWithBackoffThenFails", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("job-flaky", Base, 2)))

		_, ok, err := q.Dequeue(ctx, Base)
		require.NoError(t, err)
		require.True(t, ok)

		job, err := q.Fail(ctx, "job-flaky", "smtp down", Base)
		require.NoError(t, err)
		require.Equal(t, domain.JobDelayed, job.State)
		require.Equal(t, domain.JobStatusRetrying, job.Status())
		require.Equal(t, "smtp down", job.LastError)
		require.True(t, job.RunAt.Equal(Base.Add(Backoff)), "run_at = %s", job.RunAt)

		_, ok, err = q.Dequeue(ctx, Base.Add(Backoff))
		require.NoError(t, err)
		require.False(t, ok, "retry must wait for promotion")

		_, err = q.Promote(ctx, Base.Add(Backoff))
		require.NoError(t, err)
		job, ok, err = q.Dequeue(ctx, Base.Add(Backoff))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2, job.Attempts)

		job, err = q.Fail(ctx, "job-flaky", "smtp still down", Base.Add(Backoff))
		require.NoError(t, err)
		require.Equal(t, domain.JobFailed, job.State)
		require.NotNil(t, job.FinishedAt)

		counts, err := q.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, counts[domain.JobFailed])
		require.Zero(t, counts[domain.JobActive])
	})

	t.Run("RetryResetsFailedJob", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("job-r", Base, 1)))
		_, _, err := q.Dequeue(ctx, Base)
		require.NoError(t, err)
		_, err = q.Fail(ctx, "job-r", "boom", Base)
		require.NoError(t, err)

		require.NoError(t, q.Retry(ctx, "job-r", Base.Add(time.Minute)))
		job, err := q.Get(ctx, "job-r")
		require.NoError(t, err)
		require.Equal(t, domain.JobWaiting, job.State)
		require.Zero(t, job.Attempts)
		require.Empty(t, job.LastError)

		require.ErrorIs(t, q.Retry(ctx, "job-r", Base), domain.ErrJobState)
		require.ErrorIs(t, q.Retry(ctx, "missing", Base), domain.ErrJobNotFound)
	})

	t.Run("RescheduleAndRemove", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("job-x", Base.Add(time.Hour), 3)))
		require.NoError(t, q.Reschedule(ctx, "job-x", Base.Add(48*time.Hour)))

		n, err := q.Promote(ctx, Base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Zero(t, n)

		job, err := q.Get(ctx, "job-x")
		require.NoError(t, err)
		require.True(t, job.RunAt.Equal(Base.Add(48*time.Hour)))

		require.NoError(t, q.Remove(ctx, "job-x"))
		require.NoError(t, q.Remove(ctx, "job-x"))
		_, err = q.Get(ctx, "job-x")
		require.ErrorIs(t, err, domain.ErrJobNotFound)
		require.ErrorIs(t, q.Reschedule(ctx, "job-x", Base), domain.ErrJobNotFound)
	})

	t.Run("ExpiredLeaseReturnsToWaiting", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("job-lease", Base, 3)))
		_, ok, err := q.Dequeue(ctx, Base)
		require.NoError(t, err)
		require.True(t, ok)

		require.ErrorIs(t, q.Reschedule(ctx, "job-lease", Base.Add(time.Hour)), domain.ErrJobState)

		n, err := q.Promote(ctx, Base.Add(24*time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		job, ok, err := q.Dequeue(ctx, Base.Add(24*time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "job-lease", job.ID)
	})

	t.Run("ListFiltersByState", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, NewJob("a", Base, 3)))
		require.NoError(t, q.Enqueue(ctx, NewJob("b", Base.Add(time.Hour), 3)))
		require.NoError(t, q.Enqueue(ctx, NewJob("c", Base.Add(2*time.Hour), 3)))

		all, err := q.List(ctx, nil, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		delayed, err := q.List(ctx, []domain.JobState{domain.JobDelayed}, 0, 10)
		require.NoError(t, err)
		require.Len(t, delayed, 2)
		require.Equal(t, "b", delayed[0].ID)

		page, err := q.List(ctx, []domain.JobState{domain.JobDelayed}, 1, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, "c", page[0].ID)
	})
}
