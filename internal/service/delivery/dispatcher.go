// Package delivery ставит задачи доставки в отложенную очередь и исполняет их.
package delivery

import (
	"context"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const defaultMaxAttempts = 3

// Dispatcher собирает payload задачи по свежим данным расписания и кладёт её в очередь.
// Код карты расшифровывается только здесь и живёт только в очереди.
type Dispatcher struct {
	uow         domain.UnitOfWork
	queue       domain.DelayQueue
	cipher      domain.CodeCipher
	clock       clock.Clock
	maxAttempts int
	logger      *log.Entry
}

// NewDispatcher создаёт диспетчер постановки задач.
func NewDispatcher(uow domain.UnitOfWork, queue domain.DelayQueue, cipher domain.CodeCipher, clk clock.Clock, maxAttempts int, logger *log.Entry) *Dispatcher {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = log.New().WithField("component", "delivery-dispatcher")
	}
	return &Dispatcher{uow: uow, queue: queue, cipher: cipher, clock: clk, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue ставит задачу доставки для PENDING-расписания. Отменённое расписание пропускается.
// Повторная постановка возвращает domain.ErrJobExists.
func (d *Dispatcher) Enqueue(ctx context.Context, scheduleID string) error {
	var details domain.ScheduleDetails
	err := d.uow.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		details, err = tx.Schedules().Details(ctx, scheduleID)
		return err
	})
	if errors.Is(err, domain.ErrScheduleNotFound) {
		d.logger.WithField("schedule_id", scheduleID).Info("Schedule is gone, enqueue skipped")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load schedule details")
	}
	if details.Schedule.Status != domain.DeliveryPending {
		d.logger.WithFields(log.Fields{
			"schedule_id": scheduleID,
			"status":      details.Schedule.Status,
		}).Info("Schedule is not pending, enqueue skipped")
		return nil
	}

	code, err := d.cipher.Decrypt(details.Unit.EncryptedCode)
	if err != nil {
		return errors.Wrapf(err, "decrypt code of unit %s", details.Unit.ID)
	}

	now := d.clock.Now()
	job := domain.Job{
		ID:          details.Schedule.JobID(),
		Name:        domain.DeliveryJobName,
		Payload:     BuildPayload(details, code),
		RunAt:       details.Schedule.ScheduledAt,
		EnqueuedAt:  now,
		MaxAttempts: d.maxAttempts,
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	d.logger.WithFields(log.Fields{
		"schedule_id": scheduleID,
		"job_id":      job.ID,
		"run_at":      job.RunAt,
	}).Info("Delivery job enqueued")
	return nil
}

// BuildPayload переносит данные расписания в payload задачи.
func BuildPayload(d domain.ScheduleDetails, code string) domain.DeliveryPayload {
	return domain.DeliveryPayload{
		ScheduleID:     d.Schedule.ID,
		SenderID:       d.Schedule.SenderID,
		RecipientName:  d.Recipient.Name,
		RecipientEmail: d.Recipient.Email,
		SenderName:     d.Sender.DisplayName(),
		SenderEmail:    d.Sender.Email,
		VendorName:     d.Vendor.Name,
		FaceValue:      d.Unit.FaceValue,
		GiftCode:       code,
		CodeHash:       d.Unit.CodeHash,
		CustomMessage:  d.Schedule.CustomMessage,
		Notify:         d.Schedule.NotifySender,
		ScheduledAt:    d.Schedule.ScheduledAt,
	}
}
