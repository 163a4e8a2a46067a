package redisq

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/queue/queuetest"
)

func TestQueueContract(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) domain.DelayQueue {
		q, err := New(newTestRedisClient(t), WithBackoff(queuetest.Backoff))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		return q
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestKeysUsePrefix(t *testing.T) {
	rdb := newTestRedisClient(t)
	q, err := New(rdb, WithPrefix("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := q.Enqueue(ctx, queuetest.NewJob("job-1", queuetest.Base, 3)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	n, err := rdb.Exists(ctx, "test:job:job-1").Result()
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if n != 1 {
		t.Fatal("expected job hash under custom prefix")
	}
	if err := q.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func newTestRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb
}
