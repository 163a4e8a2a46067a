package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy — ключ уже удерживается другим обработчиком.
var ErrLockBusy = errors.New("lock is held by another reconciler")

// Locker выдаёт эксклюзивную блокировку по ключу.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RedisLocker — распределённая блокировка на redislock для нескольких реплик.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker создаёт блокировку поверх клиента Redis.
func NewRedisLocker(rdb redis.Scripter, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockBusy
	}
	if err != nil {
		return nil, errors.Wrapf(err, "obtain lock %s", key)
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}

// LocalLocker — блокировка в пределах процесса для запуска без Redis.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker создаёт пустой LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLockBusy
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}
