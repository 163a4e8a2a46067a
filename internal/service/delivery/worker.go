package delivery

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
	"github.com/vladislavdragonenkov/giftsched/internal/service/mail"
	"github.com/vladislavdragonenkov/giftsched/internal/tracing"
)

const (
	defaultPollInterval = time.Second
	defaultConcurrency  = 4
	defaultSendTimeout  = 30 * time.Second
)

// Результаты доставки для метрик.
const (
	ResultSent    = "sent"
	ResultRetry   = "retry"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// TerminalHook вызывается, когда задача завершилась (успех или исчерпаны попытки).
type TerminalHook func(ctx context.Context, job domain.Job)

// WorkerOptions задаёт параметры воркера доставки.
type WorkerOptions struct {
	Logger       *log.Entry
	Clock        clock.Clock
	Metrics      *metrics.PipelineMetrics
	PollInterval time.Duration
	Concurrency  int
	SendTimeout  time.Duration
	OnTerminal   TerminalHook
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithClock подменяет часы.
func WithClock(clk clock.Clock) Option {
	return func(opts *WorkerOptions) { opts.Clock = clk }
}

// WithMetrics включает метрики доставки.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(opts *WorkerOptions) { opts.Metrics = m }
}

// WithPollInterval задаёт частоту опроса очереди.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

// WithConcurrency задаёт число одновременных отправок.
func WithConcurrency(n int) Option {
	return func(opts *WorkerOptions) { opts.Concurrency = n }
}

// WithSendTimeout ограничивает одну отправку письма.
func WithSendTimeout(d time.Duration) Option {
	return func(opts *WorkerOptions) { opts.SendTimeout = d }
}

// WithTerminalHook задаёт обработчик завершённых задач (обычно сверка).
func WithTerminalHook(hook TerminalHook) Option {
	return func(opts *WorkerOptions) { opts.OnTerminal = hook }
}

// Worker забирает созревшие задачи из очереди и отправляет письма с подарком.
type Worker struct {
	queue        domain.DelayQueue
	uow          domain.UnitOfWork
	mailer       domain.Mailer
	clock        clock.Clock
	metrics      *metrics.PipelineMetrics
	logger       *log.Entry
	pollInterval time.Duration
	concurrency  int
	sendTimeout  time.Duration
	onTerminal   TerminalHook
}

// NewWorker создаёт воркер доставки.
func NewWorker(queue domain.DelayQueue, uow domain.UnitOfWork, mailer domain.Mailer, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval: defaultPollInterval,
		Concurrency:  defaultConcurrency,
		SendTimeout:  defaultSendTimeout,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "delivery-worker")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	return &Worker{
		queue:        queue,
		uow:          uow,
		mailer:       mailer,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		concurrency:  opts.Concurrency,
		sendTimeout:  opts.SendTimeout,
		onTerminal:   opts.OnTerminal,
	}
}

// Run опрашивает очередь до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Warn("delivery poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce переносит созревшие задачи в ожидание и обрабатывает всё, что можно взять сейчас.
// Возвращает число обработанных задач.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.clock.Now()
	if _, err := w.queue.Promote(ctx, now); err != nil {
		return 0, errors.Wrap(err, "promote due jobs")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	processed := 0
	for gctx.Err() == nil {
		job, ok, err := w.queue.Dequeue(gctx, now)
		if err != nil {
			_ = g.Wait()
			return processed, errors.Wrap(err, "dequeue")
		}
		if !ok {
			break
		}
		processed++
		g.Go(func() error {
			w.process(gctx, job)
			return nil
		})
	}

	return processed, g.Wait()
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	ctx, span := tracing.Start(ctx, "delivery.send",
		attribute.String("job_id", job.ID),
		attribute.Int("attempt", job.Attempts),
	)
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	logger := w.logger.WithFields(log.Fields{
		"job_id":      job.ID,
		"schedule_id": job.Payload.ScheduleID,
		"attempt":     job.Attempts,
	})

	pending, err := w.schedulePending(ctx, job.Payload.ScheduleID)
	if err != nil {
		spanErr = err
		w.fail(ctx, logger, job, err)
		return
	}
	if !pending {
		if err := w.queue.Remove(ctx, job.ID); err != nil {
			logger.WithError(err).Warn("failed to remove job of inactive schedule")
		}
		w.metrics.RecordDelivery(ResultSkipped)
		logger.Info("Schedule is no longer pending, delivery skipped")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	err = w.mailer.Send(sendCtx, mail.GiftMessage(job.Payload))
	cancel()
	if err != nil {
		spanErr = err
		w.fail(ctx, logger, job, err)
		return
	}

	completed, err := w.queue.Complete(ctx, job.ID, w.clock.Now())
	if err != nil {
		spanErr = err
		logger.WithError(err).Error("failed to complete delivered job")
		return
	}
	w.metrics.RecordDelivery(ResultSent)
	logger.Info("Gift delivered")

	if job.Payload.Notify {
		w.sendNotice(ctx, logger, job.Payload.ScheduleID)
	}
	w.terminal(ctx, completed)
}

func (w *Worker) fail(ctx context.Context, logger *log.Entry, job domain.Job, cause error) {
	failed, err := w.queue.Fail(ctx, job.ID, cause.Error(), w.clock.Now())
	if err != nil {
		logger.WithError(err).Error("failed to record delivery failure")
		return
	}
	if failed.State == domain.JobFailed {
		w.metrics.RecordDelivery(ResultFailed)
		logger.WithError(cause).Error("Delivery failed, attempts exhausted")
		w.terminal(ctx, failed)
		return
	}
	w.metrics.RecordDelivery(ResultRetry)
	logger.WithError(cause).WithField("run_at", failed.RunAt).Warn("Delivery failed, will retry")
}

func (w *Worker) terminal(ctx context.Context, job domain.Job) {
	if w.onTerminal != nil {
		w.onTerminal(ctx, job)
	}
}

func (w *Worker) schedulePending(ctx context.Context, scheduleID string) (bool, error) {
	var schedule domain.DeliverySchedule
	err := w.uow.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		schedule, err = tx.Schedules().Get(ctx, scheduleID)
		return err
	})
	if errors.Is(err, domain.ErrScheduleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "load schedule")
	}
	return schedule.Status == domain.DeliveryPending, nil
}

// sendNotice отправляет уведомление отправителю по свежим данным расписания. Ошибка только логируется.
func (w *Worker) sendNotice(ctx context.Context, logger *log.Entry, scheduleID string) {
	var details domain.ScheduleDetails
	err := w.uow.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		details, err = tx.Schedules().Details(ctx, scheduleID)
		return err
	})
	if err != nil {
		logger.WithError(err).Warn("failed to load schedule for sender notice")
		return
	}
	if details.Schedule.SentAt == nil {
		sentAt := w.clock.Now()
		details.Schedule.SentAt = &sentAt
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()
	if err := w.mailer.Send(sendCtx, mail.DeliveredNotice(details)); err != nil {
		logger.WithError(err).Warn("failed to send delivered notice")
	}
}
