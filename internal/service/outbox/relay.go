package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
)

// Исходы публикации для метрик.
const (
	outcomeSent         = "sent"
	outcomeRetry        = "retry"
	outcomeFailed       = "failed"
	outcomeDeadLettered = "dead_lettered"
)

// Config — параметры Relay. Нулевые значения заменяются значениями по умолчанию.
type Config struct {
	Logger  *log.Entry
	Clock   clock.Clock
	Metrics *metrics.PipelineMetrics
	// DeadLetter получает сообщение после исчерпания попыток. При nil сообщение только помечается failed.
	DeadLetter domain.OutboxPublisher

	PollInterval time.Duration
	BatchSize    int
	Attempts     int
	Backoff      time.Duration
	// Parallelism — сколько агрегатов публикуются одновременно.
	Parallelism int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = log.WithField("component", "outbox-relay")
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

// Result — итог одного прохода.
type Result struct {
	Sent   int
	Failed int
}

// Relay переносит pending-сообщения outbox в publisher.
// Сообщения одного агрегата публикуются по порядку, разные агрегаты параллельно.
type Relay struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       Config
}

// NewRelay создаёт relay поверх репозитория outbox.
func NewRelay(repo domain.OutboxRepository, publisher domain.OutboxPublisher, cfg Config) *Relay {
	return &Relay{repo: repo, publisher: publisher, cfg: cfg.withDefaults()}
}

// Run опрашивает outbox до отмены ctx.
func (r *Relay) Run(ctx context.Context) {
	if r.repo == nil || r.publisher == nil {
		r.cfg.Logger.Warn("outbox relay is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.cfg.Logger.WithError(err).Warn("outbox flush failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush публикует одну пачку pending-сообщений.
func (r *Relay) Flush(ctx context.Context) (Result, error) {
	var res Result
	if err := ctx.Err(); err != nil {
		return res, err
	}

	batch, err := r.repo.PullPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, errors.Wrap(err, "pull pending outbox messages")
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for _, chain := range byAggregate(batch) {
		g.Go(func() error {
			sent, failed := r.publishChain(gctx, chain)
			mu.Lock()
			res.Sent += sent
			res.Failed += failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.observeBacklog(ctx)
	if res.Sent+res.Failed > 0 {
		r.cfg.Logger.WithFields(log.Fields{"sent": res.Sent, "failed": res.Failed}).Debug("outbox batch flushed")
	}
	return res, ctx.Err()
}

// byAggregate группирует пачку по агрегату, сохраняя порядок записи внутри группы.
func byAggregate(batch []domain.OutboxMessage) [][]domain.OutboxMessage {
	index := make(map[string]int)
	var chains [][]domain.OutboxMessage
	for _, msg := range batch {
		key := msg.AggregateType + "/" + msg.AggregateID
		i, ok := index[key]
		if !ok {
			i = len(chains)
			index[key] = i
			chains = append(chains, nil)
		}
		chains[i] = append(chains[i], msg)
	}
	return chains
}

func (r *Relay) publishChain(ctx context.Context, chain []domain.OutboxMessage) (sent, failed int) {
	for _, msg := range chain {
		if ctx.Err() != nil {
			return sent, failed
		}
		logger := r.cfg.Logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"event_type": msg.EventType,
		})

		err := r.publish(ctx, msg)
		if err == nil {
			if markErr := r.repo.MarkSent(ctx, msg.ID); markErr != nil {
				logger.WithError(markErr).Warn("failed to mark outbox message as sent")
			}
			sent++
			continue
		}
		if ctx.Err() != nil {
			return sent, failed
		}

		failed++
		logger.WithError(err).Error("outbox message given up")
		r.cfg.Metrics.RecordOutbox(outcomeFailed)
		if dlqErr := r.deadLetter(ctx, msg, err); dlqErr != nil {
			logger.WithError(dlqErr).Warn("failed to dead-letter outbox message")
		}
		if markErr := r.repo.MarkFailed(ctx, msg.ID); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark outbox message as failed")
		}
	}
	return sent, failed
}

// publish делает до Attempts попыток с паузой Backoff·2^(n-1).
func (r *Relay) publish(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = r.publisher.Publish(ctx, msg); err == nil {
			r.cfg.Metrics.RecordOutbox(outcomeSent)
			return nil
		}
		if attempt >= r.cfg.Attempts {
			return errors.Wrapf(err, "publish %s after %d attempts", msg.EventType, attempt)
		}
		r.cfg.Metrics.RecordOutbox(outcomeRetry)

		if pause := backoff(r.cfg.Backoff, attempt); pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := min(attempt-1, 16)
	return base << shift
}

// DeadLetter — тело сообщения outbox, уходящего в DLQ.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"publish_error"`
	FailedAt      time.Time       `json:"failed_at"`
}

// DecodeDeadLetter разбирает тело DLQ-сообщения, записанного Relay.
func DecodeDeadLetter(body []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil {
		return DeadLetter{}, errors.Wrap(err, "decode outbox dead letter")
	}
	if dl.EventType == "" {
		return DeadLetter{}, errors.New("outbox dead letter has no event_type")
	}
	return dl, nil
}

func (r *Relay) deadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	if r.cfg.DeadLetter == nil {
		return nil
	}

	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		payload = nil
	}
	body, err := json.Marshal(DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		Error:         cause.Error(),
		FailedAt:      r.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "encode dead letter")
	}

	dead := msg
	dead.Payload = body
	if err := r.cfg.DeadLetter.Publish(ctx, dead); err != nil {
		return errors.Wrap(err, "publish dead letter")
	}
	r.cfg.Metrics.RecordOutbox(outcomeDeadLettered)
	return nil
}

func (r *Relay) observeBacklog(ctx context.Context) {
	if r.cfg.Metrics == nil {
		return
	}
	stats, err := r.repo.Stats(ctx)
	if err != nil {
		r.cfg.Logger.WithError(err).Warn("failed to read outbox backlog")
		return
	}
	var lag time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		lag = r.cfg.Clock.Now().Sub(stats.OldestPendingAt)
	}
	r.cfg.Metrics.SetOutboxBacklog(stats.PendingCount, lag)
}
