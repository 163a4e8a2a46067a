package saga

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/giftsched/internal/delay"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/tracing"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// Cancel отменяет PENDING-расписание: единица возвращается в продажу, расписание удаляется,
// задача снимается с очереди. Чужое, отправленное или уже исполняемое расписание даёт ErrScheduleNotFound.
func (o *Orchestrator) Cancel(ctx context.Context, senderID, scheduleID string) (err error) {
	defer o.step(domain.SagaStepCancel)()
	ctx, span := tracing.Start(ctx, "saga.cancel", attribute.String("schedule_id", scheduleID))
	defer func() { tracing.End(span, err) }()

	logger := o.logger.WithFields(log.Fields{"sender_id": senderID, "schedule_id": scheduleID})

	if err := o.ensureNotFired(ctx, scheduleID); err != nil {
		return err
	}

	var schedule domain.DeliverySchedule
	err = o.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		schedule, err = ownedPending(ctx, tx, senderID, scheduleID)
		if err != nil {
			return err
		}

		now := o.clock.Now()
		unitID := schedule.InventoryUnitID
		if err := tx.Inventory().Transition(ctx, unitID, domain.InventoryUsed, domain.InventoryAvailable, now); err != nil {
			return errors.Wrapf(err, "restock unit %s", unitID)
		}
		err = tx.Ledger().Append(ctx, domain.InventoryTransaction{
			ID:          uuid.NewString(),
			UnitID:      unitID,
			Type:        domain.TransactionAdjustment,
			FromStatus:  domain.InventoryUsed,
			ToStatus:    domain.InventoryAvailable,
			Reason:      domain.ReasonCancelled,
			ReferenceID: schedule.ID,
			ActorID:     senderID,
			OccurredAt:  now,
		})
		if err != nil {
			return errors.Wrap(err, "append cancel entry")
		}
		return tx.Schedules().Delete(ctx, schedule.ID)
	})
	if err != nil {
		return err
	}

	if err := o.queue.Remove(ctx, schedule.JobID()); err != nil {
		// Воркер пропустит задачу удалённого расписания.
		logger.WithError(err).Warn("failed to remove cancelled job from queue")
	}
	o.metrics.RecordScheduleCancelled()
	logger.Info("Schedule cancelled")
	return nil
}

// ensureNotFired отказывает в изменении, если задача уже взята воркером или завершена.
func (o *Orchestrator) ensureNotFired(ctx context.Context, scheduleID string) error {
	job, err := o.queue.Get(ctx, scheduleID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return nil
	case err != nil:
		return errors.Wrap(err, "load delivery job")
	case job.State == domain.JobActive || job.State == domain.JobCompleted:
		return errors.Wrapf(domain.ErrScheduleNotFound, "delivery of %s already fired", scheduleID)
	default:
		return nil
	}
}

func ownedPending(ctx context.Context, tx domain.Tx, senderID, scheduleID string) (domain.DeliverySchedule, error) {
	schedule, err := tx.Schedules().Get(ctx, scheduleID)
	if err != nil {
		return domain.DeliverySchedule{}, err
	}
	if schedule.SenderID != senderID || schedule.Status != domain.DeliveryPending {
		return domain.DeliverySchedule{}, errors.Wrapf(domain.ErrScheduleNotFound, "schedule %s", scheduleID)
	}
	return schedule, nil
}

// UpdateSchedule меняет дату доставки и сообщение PENDING-расписания.
// Статус доставки клиентом не меняется.
func (o *Orchestrator) UpdateSchedule(ctx context.Context, senderID, scheduleID string, patch domain.SchedulePatch) (domain.DeliverySchedule, error) {
	if err := patch.Validate(); err != nil {
		return domain.DeliverySchedule{}, err
	}

	var target *delay.Result
	if patch.ScheduledDate != nil {
		date, err := delay.ParseDate(*patch.ScheduledDate)
		if err != nil {
			return domain.DeliverySchedule{}, domain.NewValidationError("scheduled_date", err.Error())
		}
		res := delay.Until(date, o.clock.Now())
		target = &res
	}

	if err := o.ensureNotFired(ctx, scheduleID); err != nil {
		return domain.DeliverySchedule{}, err
	}

	var schedule domain.DeliverySchedule
	err := o.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		schedule, err = ownedPending(ctx, tx, senderID, scheduleID)
		if err != nil {
			return err
		}
		if target != nil {
			schedule.ScheduledAt = target.Target
		}
		if patch.CustomMessage != nil {
			schedule.CustomMessage = *patch.CustomMessage
		}
		schedule.UpdatedAt = o.clock.Now()
		return tx.Schedules().UpdateFields(ctx, schedule)
	})
	if err != nil {
		return domain.DeliverySchedule{}, err
	}

	o.moveJob(ctx, schedule, patch.CustomMessage != nil)
	return schedule, nil
}

// moveJob переносит живую задачу. При смене сообщения payload устарел, и задача ставится заново.
func (o *Orchestrator) moveJob(ctx context.Context, schedule domain.DeliverySchedule, payloadChanged bool) {
	logger := o.logger.WithField("schedule_id", schedule.ID)

	job, err := o.queue.Get(ctx, schedule.JobID())
	if errors.Is(err, domain.ErrJobNotFound) {
		o.dispatch(ctx, logger, schedule.ID)
		return
	}
	if err != nil {
		logger.WithError(err).Warn("failed to load job for reschedule")
		return
	}
	if job.State != domain.JobWaiting && job.State != domain.JobDelayed {
		logger.WithField("state", job.State).Info("job is not movable, reschedule skipped")
		return
	}

	if payloadChanged {
		if err := o.queue.Remove(ctx, job.ID); err != nil {
			logger.WithError(err).Warn("failed to remove stale job")
			return
		}
		o.dispatch(ctx, logger, schedule.ID)
		return
	}
	if err := o.queue.Reschedule(ctx, job.ID, schedule.ScheduledAt); err != nil {
		logger.WithError(err).Warn("failed to reschedule job")
		return
	}
	logger.WithField("run_at", schedule.ScheduledAt).Info("Delivery job rescheduled")
}

// ListSchedules возвращает страницу расписаний отправителя.
func (o *Orchestrator) ListSchedules(ctx context.Context, senderID string, f domain.ScheduleFilter) ([]domain.ScheduleSummary, int, error) {
	f.SenderID = senderID
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, domain.NewValidationError("status", "unknown delivery status")
	}

	var (
		items []domain.ScheduleSummary
		total int
	)
	err := o.uow.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		items, total, err = tx.Schedules().List(ctx, f)
		return err
	})
	return items, total, err
}
