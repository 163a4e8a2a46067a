package delivery

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/fixtures"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
	"github.com/vladislavdragonenkov/giftsched/internal/queue/memq"
	"github.com/vladislavdragonenkov/giftsched/internal/service/mail"
	"github.com/vladislavdragonenkov/giftsched/internal/storage/memory"
)

type env struct {
	store      *memory.Store
	queue      *memq.Queue
	mailer     *mail.Recorder
	clock      *clock.MockClock
	dispatcher *Dispatcher
	worker     *Worker

	mu       sync.Mutex
	terminal []domain.Job
}

func newEnv(t *testing.T) *env {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)
	entry := log.NewEntry(logger)

	e := &env{
		store:  fixtures.NewStore(),
		queue:  memq.New(time.Minute, 30*time.Second),
		mailer: mail.NewRecorder(),
		clock:  clock.NewMockClock(fixtures.Now),
	}
	e.dispatcher = NewDispatcher(e.store, e.queue, fixtures.Cipher(t), e.clock, 3, entry)
	e.worker = NewWorker(e.queue, e.store, e.mailer,
		WithLogger(entry),
		WithClock(e.clock),
		WithConcurrency(2),
		WithMetrics(metrics.NewPipelineMetricsWith(prometheus.NewRegistry())),
		WithTerminalHook(func(_ context.Context, job domain.Job) {
			e.mu.Lock()
			e.terminal = append(e.terminal, job)
			e.mu.Unlock()
		}),
	)
	return e
}

func (e *env) pending(t *testing.T, scheduledAt time.Time, notify bool) domain.DeliverySchedule {
	t.Helper()
	unit := fixtures.AddUnits(t, e.store, fixtures.Cipher(t), 1, decimal.NewFromInt(50))[0]
	return fixtures.AddPendingSchedule(t, e.store, unit, scheduledAt, notify)
}

func TestDispatcher_EnqueueBuildsPayloadWithPlainCode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	schedule := e.pending(t, fixtures.Now.Add(40*24*time.Hour), true)

	require.NoError(t, e.dispatcher.Enqueue(ctx, schedule.ID))

	job, err := e.queue.Get(ctx, schedule.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobDelayed, job.State)
	require.Equal(t, domain.DeliveryJobName, job.Name)
	require.Equal(t, 3, job.MaxAttempts)
	require.True(t, job.RunAt.Equal(schedule.ScheduledAt))
	require.Equal(t, fixtures.SenderName, job.Payload.SenderName)
	require.Equal(t, fixtures.VendorName, job.Payload.VendorName)
	require.Contains(t, job.Payload.GiftCode, "CODE-")
	require.Equal(t, fixtures.Cipher(t).Hash(job.Payload.GiftCode), job.Payload.CodeHash)

	err = e.dispatcher.Enqueue(ctx, schedule.ID)
	require.True(t, errors.Is(err, domain.ErrJobExists))
}

func TestDispatcher_SkipsMissingSchedule(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.dispatcher.Enqueue(context.Background(), "missing"))

	counts, err := e.queue.Counts(context.Background())
	require.NoError(t, err)
	for state, n := range counts {
		require.Zero(t, n, "unexpected %s jobs", state)
	}
}

func TestWorker_DoesNotDeliverBeforeRunAt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	schedule := e.pending(t, fixtures.Now.Add(48*time.Hour), false)
	require.NoError(t, e.dispatcher.Enqueue(ctx, schedule.ID))

	e.clock.Add(47 * time.Hour)
	n, err := e.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, e.mailer.Sent())

	e.clock.Add(time.Hour)
	n, err = e.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sent := e.mailer.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, domain.DeliveryTemplate, sent[0].Template)
	require.Equal(t, "50.00", sent[0].Context["face_value"])

	job, err := e.queue.Get(ctx, schedule.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, job.State)
	require.Len(t, e.terminal, 1)
}

func TestWorker_SendsNoticeToSender(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	schedule := e.pending(t, fixtures.Now, true)
	require.NoError(t, e.dispatcher.Enqueue(ctx, schedule.ID))

	_, err := e.worker.RunOnce(ctx)
	require.NoError(t, err)

	sent := e.mailer.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, domain.DeliveredNoticeTemplate, sent[1].Template)
	require.Equal(t, fixtures.SenderEmail, sent[1].To)
	require.Equal(t, fixtures.Now.Format(domain.DateLayout), sent[1].Context["delivered_date"])
}

func TestWorker_RetriesWithBackoffThenFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	schedule := e.pending(t, fixtures.Now, false)
	require.NoError(t, e.dispatcher.Enqueue(ctx, schedule.ID))
	e.mailer.FailNext(3)

	_, err := e.worker.RunOnce(ctx)
	require.NoError(t, err)
	job, err := e.queue.Get(ctx, schedule.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusRetrying, job.Status())
	require.True(t, job.RunAt.Equal(fixtures.Now.Add(30*time.Second)))

	e.clock.Add(30 * time.Second)
	_, err = e.worker.RunOnce(ctx)
	require.NoError(t, err)
	job, err = e.queue.Get(ctx, schedule.ID)
	require.NoError(t, err)
	require.Equal(t, 2, job.Attempts)
	require.True(t, job.RunAt.Equal(e.clock.Now().Add(time.Minute)))

	e.clock.Add(time.Minute)
	_, err = e.worker.RunOnce(ctx)
	require.NoError(t, err)
	job, err = e.queue.Get(ctx, schedule.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.State)
	require.Equal(t, 3, job.Attempts)
	require.Contains(t, job.LastError, "simulated transport failure")
	require.Empty(t, e.mailer.Sent())
	require.Len(t, e.terminal, 1)
}

func TestWorker_SkipsCancelledSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	schedule := e.pending(t, fixtures.Now, false)
	require.NoError(t, e.dispatcher.Enqueue(ctx, schedule.ID))

	err := e.store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Schedules().Delete(ctx, schedule.ID)
	})
	require.NoError(t, err)

	_, err = e.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, e.mailer.Sent())

	_, err = e.queue.Get(ctx, schedule.ID)
	require.True(t, errors.Is(err, domain.ErrJobNotFound))
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.worker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
