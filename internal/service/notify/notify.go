// Package notify рассылает лёгкие уведомления о событиях конвейера доставки.
// Ошибки уведомлений не влияют на результат основного сценария.
package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// LogNotifier пишет уведомления в лог.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт нотификатор по умолчанию.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.New().WithField("component", "notifier")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event domain.Event) error {
	fields := log.Fields{"event": event.Type(), "key": event.Key()}

	switch e := event.(type) {
	case domain.ScheduleCreated:
		fields["schedule_id"] = e.ScheduleID
	case domain.GiftDelivered:
		fields["schedule_id"] = e.ScheduleID
	case domain.GiftDeliveryFailed:
		fields["schedule_id"] = e.ScheduleID
		fields["job_id"] = e.JobID
		fields["attempt"] = e.Attempts
		n.logger.WithFields(fields).Warn(domain.EventText(event))
		return nil
	case domain.InventoryLow:
		fields["remaining"] = e.Remaining
		n.logger.WithFields(fields).Warn(domain.EventText(event))
		return nil
	default:
		return errors.Wrapf(domain.ErrUnknownEvent, "type %T", event)
	}

	n.logger.WithFields(fields).Info(domain.EventText(event))
	return nil
}

// Multi рассылает событие во все нотификаторы и собирает ошибки.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, event domain.Event) error {
	var errs error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Recorder запоминает события для тестов.
type Recorder struct {
	events chan domain.Event
}

// NewRecorder создаёт Recorder с буфером size.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan domain.Event, size)}
}

func (r *Recorder) Notify(_ context.Context, event domain.Event) error {
	select {
	case r.events <- event:
	default:
	}
	return nil
}

// Drain забирает накопленные события.
func (r *Recorder) Drain() []domain.Event {
	var out []domain.Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

var (
	_ domain.Notifier = (*LogNotifier)(nil)
	_ domain.Notifier = Multi(nil)
	_ domain.Notifier = (*Recorder)(nil)
)
