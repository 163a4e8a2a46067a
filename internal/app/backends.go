package app

import (
	"context"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/service/reconcile"
)

// Backends — хранилище и очередь доставки без gRPC и фоновых воркеров.
// Используется операторскими утилитами.
type Backends struct {
	UnitOfWork domain.UnitOfWork
	Queue      domain.DelayQueue
	Locker     reconcile.Locker

	closers []func() error
}

// OpenBackends открывает хранилище и очередь так же, как Run.
func OpenBackends(ctx context.Context, cfg Config, logger *log.Entry) (*Backends, error) {
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	queueDeps, err := initQueue(ctx, cfg, logger)
	if err != nil {
		if deps.closeFn != nil {
			_ = deps.closeFn()
		}
		return nil, err
	}

	b := &Backends{
		UnitOfWork: deps.uow,
		Queue:      queueDeps.queue,
		Locker:     queueDeps.locker,
	}
	for _, fn := range []func() error{queueDeps.closeFn, deps.closeFn} {
		if fn != nil {
			b.closers = append(b.closers, fn)
		}
	}
	return b, nil
}

// Close закрывает соединения в обратном порядке открытия.
func (b *Backends) Close() error {
	var errs error
	for _, fn := range b.closers {
		if err := fn(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	b.closers = nil
	return errs
}
