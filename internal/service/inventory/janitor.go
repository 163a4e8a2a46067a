package inventory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const (
	defaultReservationTTL  = 15 * time.Minute
	defaultJanitorInterval = time.Minute
	defaultJanitorBatch    = 100
)

// JanitorOptions задаёт параметры возврата зависших резервов.
type JanitorOptions struct {
	Logger   *log.Entry
	Clock    clock.Clock
	TTL      time.Duration
	Interval time.Duration
	Batch    int
}

// Janitor возвращает в продажу единицы, оставшиеся в RESERVED дольше TTL.
// Так бывает, если процесс упал между резервом и фиксацией продажи.
type Janitor struct {
	uow  domain.UnitOfWork
	opts JanitorOptions
}

// NewJanitor создаёт janitor с настройками по умолчанию для нулевых полей.
func NewJanitor(uow domain.UnitOfWork, opts JanitorOptions) *Janitor {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reservation-janitor")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultReservationTTL
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultJanitorInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultJanitorBatch
	}
	return &Janitor{uow: uow, opts: opts}
}

// Run запускает периодический проход до отмены ctx.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		released, err := j.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			j.opts.Logger.WithError(err).Warn("reservation sweep failed")
		case released > 0:
			j.opts.Logger.WithField("released", released).Info("Stale reservations released")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep освобождает зависшие резервы и возвращает их число.
// Единица, которую за это время продали или освободили, пропускается.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := j.opts.Clock.Now()
	var stale []domain.InventoryUnit
	err := j.uow.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		stale, err = tx.Inventory().StaleReservations(ctx, now.Add(-j.opts.TTL), j.opts.Batch)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "list stale reservations")
	}

	released := 0
	for _, unit := range stale {
		err := j.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
			if err := tx.Inventory().Transition(ctx, unit.ID, domain.InventoryReserved, domain.InventoryAvailable, now); err != nil {
				return err
			}
			return tx.Ledger().Append(ctx, domain.InventoryTransaction{
				ID:         uuid.NewString(),
				UnitID:     unit.ID,
				Type:       domain.TransactionAdjustment,
				FromStatus: domain.InventoryReserved,
				ToStatus:   domain.InventoryAvailable,
				Reason:     domain.ReasonReservationExpired,
				OccurredAt: now,
			})
		})
		if errors.Is(err, domain.ErrInventoryConflict) {
			continue
		}
		if err != nil {
			return released, errors.Wrapf(err, "release unit %s", unit.ID)
		}
		released++
	}
	return released, nil
}
