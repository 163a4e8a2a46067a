// Package reconcile переносит итоги задач доставки в долговременную историю
// и собирает объединённое представление очереди и истории.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
	"github.com/vladislavdragonenkov/giftsched/internal/tracing"
)

const (
	lockPrefix       = "giftsched:reconcile:"
	defaultBatchSize = 100
	defaultInterval  = 30 * time.Second
)

// Reconciler записывает историю и статус расписания, и только после этого снимает задачу с очереди.
type Reconciler struct {
	uow      domain.UnitOfWork
	queue    domain.DelayQueue
	locker   Locker
	clock    clock.Clock
	logger   *log.Entry
	metrics  *metrics.PipelineMetrics
	batch    int
	interval time.Duration
}

// Config задаёт параметры сверки.
type Config struct {
	Logger    *log.Entry
	Clock     clock.Clock
	Metrics   *metrics.PipelineMetrics
	Locker    Locker
	BatchSize int
	Interval  time.Duration
}

// NewReconciler создаёт сверку. Без Locker используется блокировка в пределах процесса.
func NewReconciler(uow domain.UnitOfWork, queue domain.DelayQueue, cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = log.New().WithField("component", "reconciler")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Reconciler{
		uow:      uow,
		queue:    queue,
		locker:   cfg.Locker,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		batch:    cfg.BatchSize,
		interval: cfg.Interval,
	}
}

// Reconcile сверяет одну задачу. Повторный вызов безопасен: история обновляется по job id,
// а отсутствующая задача означает, что сверка уже прошла.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string) (err error) {
	ctx, span := tracing.Start(ctx, "reconcile.job", attribute.String("job_id", jobID))
	defer func() { tracing.End(span, err) }()

	unlock, err := r.locker.Lock(ctx, lockPrefix+jobID)
	if errors.Is(err, ErrLockBusy) {
		r.logger.WithField("job_id", jobID).Debug("job is being reconciled elsewhere")
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	job, err := r.queue.Get(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load job")
	}
	if !job.State.Terminal() {
		return errors.Wrapf(domain.ErrJobState, "job %s is %s", jobID, job.State)
	}

	now := r.clock.Now()
	rec := domain.HistoryFromJob(job, now)
	var created, transitioned bool
	err = r.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		created, err = tx.History().Upsert(ctx, rec)
		if err != nil {
			return errors.Wrap(err, "upsert job history")
		}
		transitioned, err = r.applyOutcome(ctx, tx, job, now)
		return err
	})
	if err != nil {
		return err
	}

	// Задача снимается только после долговременной записи.
	if err := r.queue.Remove(ctx, jobID); err != nil {
		return errors.Wrap(err, "remove reconciled job")
	}

	r.metrics.RecordReconciled(rec.Status)
	r.logger.WithFields(log.Fields{
		"job_id":      jobID,
		"schedule_id": rec.ScheduleID,
		"status":      rec.Status,
		"created":     created,
		"transition":  transitioned,
	}).Info("Job reconciled")
	return nil
}

// applyOutcome переводит PENDING-расписание в SENT или FAILED и пишет уведомление в outbox.
// Расписание, уже сменившее статус или удалённое, не трогается.
func (r *Reconciler) applyOutcome(ctx context.Context, tx domain.Tx, job domain.Job, now time.Time) (bool, error) {
	p := job.Payload

	var (
		to     domain.DeliveryStatus
		sentAt *time.Time
		reason string
		event  domain.Event
	)
	switch job.State {
	case domain.JobCompleted:
		at := now
		if job.FinishedAt != nil {
			at = *job.FinishedAt
		}
		to, sentAt = domain.DeliverySent, &at
		event = domain.GiftDelivered{ScheduleID: p.ScheduleID, SenderID: p.SenderID, RecipientEmail: p.RecipientEmail, DeliveredAt: at}
	default:
		to, reason = domain.DeliveryFailed, job.LastError
		event = domain.GiftDeliveryFailed{ScheduleID: p.ScheduleID, SenderID: p.SenderID, JobID: job.ID, Reason: reason, Attempts: job.Attempts}
	}

	err := tx.Schedules().SetStatus(ctx, p.ScheduleID, domain.DeliveryPending, to, sentAt, reason, now)
	if errors.Is(err, domain.ErrScheduleConflict) || errors.Is(err, domain.ErrScheduleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "set schedule status")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return false, errors.Wrap(err, "encode event")
	}
	_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.OutboxAggregateSchedule,
		AggregateID:   p.ScheduleID,
		EventType:     string(event.Type()),
		Payload:       payload,
	})
	return true, errors.Wrap(err, "enqueue outcome event")
}

// OnTerminal сверяет задачу сразу после завершения, вызывается воркером доставки.
func (r *Reconciler) OnTerminal(ctx context.Context, job domain.Job) {
	if err := r.Reconcile(ctx, job.ID); err != nil {
		r.logger.WithError(err).WithField("job_id", job.ID).Warn("immediate reconcile failed, sweep will retry")
	}
}

// Sweep сверяет все завершённые задачи, оставшиеся в очереди.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.queue.Terminal(ctx, r.batch)
	if err != nil {
		return 0, errors.Wrap(err, "list terminal jobs")
	}

	var errs error
	done := 0
	for _, job := range jobs {
		if err := r.Reconcile(ctx, job.ID); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "job %s", job.ID))
			continue
		}
		done++
	}
	if counts, err := r.queue.Counts(ctx); err == nil {
		r.metrics.SetQueueDepth(counts)
	}
	return done, errs
}

// Run периодически запускает Sweep до отмены ctx.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if n, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Warn("reconcile sweep finished with errors")
		} else if n > 0 {
			r.logger.WithField("count", n).Info("Reconcile sweep done")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
