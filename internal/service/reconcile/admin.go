package reconcile

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const maxRetryBatch = 100

// Admin — операции администратора над живыми задачами очереди.
type Admin struct {
	queue   domain.DelayQueue
	clock   clock.Clock
	logger  *log.Entry
	uow     domain.UnitOfWork
	enqueue func(ctx context.Context, scheduleID string) error
}

// AdminOption настраивает Admin.
type AdminOption func(*Admin)

// WithRedelivery разрешает повтор задач, которые сверка уже убрала из очереди в историю.
// enqueue ставит задачу сразу после коммита; nil оставляет постановку outbox.
func WithRedelivery(uow domain.UnitOfWork, enqueue func(ctx context.Context, scheduleID string) error) AdminOption {
	return func(a *Admin) {
		a.uow = uow
		a.enqueue = enqueue
	}
}

// NewAdmin создаёт набор админских операций.
func NewAdmin(queue domain.DelayQueue, clk clock.Clock, logger *log.Entry, opts ...AdminOption) *Admin {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if logger == nil {
		logger = log.New().WithField("component", "queue-admin")
	}
	a := &Admin{queue: queue, clock: clk, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RetryJob возвращает failed-задачу в ожидание. Задачу, которую сверка уже перенесла
// в историю, поднимает заново: расписание FAILED -> PENDING и новая постановка.
func (a *Admin) RetryJob(ctx context.Context, jobID string) error {
	err := a.queue.Retry(ctx, jobID, a.clock.Now())
	if errors.Is(err, domain.ErrJobNotFound) && a.uow != nil {
		return a.redeliver(ctx, jobID)
	}
	if err != nil {
		return err
	}
	a.logger.WithField("job_id", jobID).Info("Job retried")
	return nil
}

// redeliver переводит расписание обратно в PENDING и в той же транзакции пишет delivery.enqueue.
func (a *Admin) redeliver(ctx context.Context, jobID string) error {
	var scheduleID string
	err := a.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		rec, err := tx.History().Get(ctx, jobID)
		if errors.Is(err, domain.ErrHistoryNotFound) {
			return errors.Wrapf(domain.ErrJobNotFound, "job %s", jobID)
		}
		if err != nil {
			return errors.Wrap(err, "load job history")
		}
		if rec.Status != domain.JobStatusFailed {
			return errors.Wrapf(domain.ErrJobState, "job %s is %s", jobID, rec.Status)
		}

		err = tx.Schedules().SetStatus(ctx, rec.ScheduleID, domain.DeliveryFailed, domain.DeliveryPending, nil, "", a.clock.Now())
		if errors.Is(err, domain.ErrScheduleConflict) || errors.Is(err, domain.ErrScheduleNotFound) {
			return errors.Wrapf(domain.ErrJobState, "schedule %s is not failed", rec.ScheduleID)
		}
		if err != nil {
			return errors.Wrap(err, "reopen schedule")
		}

		payload, err := json.Marshal(domain.DeliveryEnqueue{ScheduleID: rec.ScheduleID})
		if err != nil {
			return errors.Wrap(err, "encode delivery.enqueue")
		}
		if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.OutboxAggregateSchedule,
			AggregateID:   rec.ScheduleID,
			EventType:     domain.OutboxDeliveryEnqueue,
			Payload:       payload,
		}); err != nil {
			return errors.Wrap(err, "enqueue outbox delivery.enqueue")
		}
		scheduleID = rec.ScheduleID
		return nil
	})
	if err != nil {
		return err
	}

	logger := a.logger.WithFields(log.Fields{"job_id": jobID, "schedule_id": scheduleID})
	if a.enqueue != nil {
		if err := a.enqueue(ctx, scheduleID); err != nil && !errors.Is(err, domain.ErrJobExists) {
			logger.WithError(err).Warn("immediate enqueue failed, outbox will retry")
		}
	}
	logger.Info("Reconciled job redelivered")
	return nil
}

// DeleteJob удаляет задачу из очереди. Отсутствующая задача даёт ErrJobNotFound.
func (a *Admin) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := a.queue.Get(ctx, jobID); err != nil {
		return err
	}
	if err := a.queue.Remove(ctx, jobID); err != nil {
		return errors.Wrapf(err, "remove job %s", jobID)
	}
	a.logger.WithField("job_id", jobID).Info("Job deleted")
	return nil
}

// RetryFailedJobs повторяет до limit (не больше 100) failed-задач очереди и возвращает их число.
// Уже сверенные отказы сюда не попадают: их поднимает RetryJob по одному.
func (a *Admin) RetryFailedJobs(ctx context.Context, limit int) (int, error) {
	if limit <= 0 || limit > maxRetryBatch {
		limit = maxRetryBatch
	}
	jobs, err := a.queue.List(ctx, []domain.JobState{domain.JobFailed}, 0, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list failed jobs")
	}

	retried := 0
	var errs error
	for _, job := range jobs {
		if err := a.queue.Retry(ctx, job.ID, a.clock.Now()); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		retried++
	}
	a.logger.WithField("count", retried).Info("Failed jobs retried")
	return retried, errs
}
