package outbox

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// EnqueueFunc ставит задачу доставки для расписания.
type EnqueueFunc func(ctx context.Context, scheduleID string) error

// Router разбирает outbox-сообщения по типу: delivery.enqueue уходит в очередь,
// доменные события в нотификатор.
type Router struct {
	enqueue  EnqueueFunc
	notifier domain.Notifier
}

// NewRouter создаёт publisher для outbox worker.
func NewRouter(enqueue EnqueueFunc, notifier domain.Notifier) *Router {
	return &Router{enqueue: enqueue, notifier: notifier}
}

func (r *Router) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if msg.EventType == domain.OutboxDeliveryEnqueue {
		if r.enqueue == nil {
			return errors.New("outbox router: enqueue is not configured")
		}
		var req domain.DeliveryEnqueue
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return errors.Wrap(err, "decode delivery.enqueue payload")
		}
		if req.ScheduleID == "" {
			req.ScheduleID = msg.AggregateID
		}
		err := r.enqueue(ctx, req.ScheduleID)
		if errors.Is(err, domain.ErrJobExists) {
			return nil
		}
		return err
	}

	event, err := domain.DecodeEvent(domain.EventType(msg.EventType), msg.Payload)
	if err != nil {
		return err
	}
	if r.notifier == nil {
		return nil
	}
	return r.notifier.Notify(ctx, event)
}

var _ domain.OutboxPublisher = (*Router)(nil)
