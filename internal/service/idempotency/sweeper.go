// Package idempotency удаляет просроченные записи idempotency-ключей.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
)

const sweepLockKey = "giftsched:idempotency:sweep"

// Locker не даёт двум репликам чистить ключи одновременно.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Config — параметры Sweeper.
type Config struct {
	Logger  *log.Entry
	Clock   clock.Clock
	Metrics *metrics.PipelineMetrics
	// Locker необязателен; без него каждая реплика чистит сама.
	Locker    Locker
	Interval  time.Duration
	BatchSize int
	// Grace — сколько ключ живёт после ttl, чтобы поздний повтор ещё получил сохранённый ответ.
	Grace time.Duration
}

// Sweeper периодически удаляет записи с истёкшим ttl.
type Sweeper struct {
	repo domain.IdempotencyRepository
	cfg  Config
}

// NewSweeper создаёт чистильщик поверх репозитория ключей.
func NewSweeper(repo domain.IdempotencyRepository, cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "idempotency-sweeper")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	return &Sweeper{repo: repo, cfg: cfg}
}

// Run чистит ключи до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.cfg.Logger.Warn("idempotency sweeper is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		n, err := s.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.cfg.Logger.WithError(err).Warn("idempotency sweep failed")
		case n > 0:
			s.cfg.Logger.WithField("deleted", n).Info("expired idempotency keys removed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep удаляет все записи, чей ttl истёк раньше now-Grace, порциями BatchSize.
// Если блокировку держит другая реплика, проход пропускается.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.cfg.Locker != nil {
		unlock, err := s.cfg.Locker.Lock(ctx, sweepLockKey)
		if err != nil {
			s.cfg.Logger.WithError(err).Debug("idempotency sweep skipped")
			return 0, nil
		}
		defer unlock()
	}

	cutoff := s.cfg.Clock.Now().UTC().Add(-s.cfg.Grace)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.repo.DeleteExpired(ctx, cutoff, s.cfg.BatchSize)
		total += n
		s.cfg.Metrics.RecordIdempotencySwept(n)
		if err != nil {
			return total, errors.Wrapf(err, "delete expired idempotency keys before %s", cutoff.Format(time.RFC3339))
		}
		if n < s.cfg.BatchSize {
			return total, nil
		}
	}
}
