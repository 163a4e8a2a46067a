package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
	"github.com/vladislavdragonenkov/giftsched/internal/service/reconcile"
	"github.com/vladislavdragonenkov/giftsched/internal/storage/memory"
)

var sweepNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func seedKeys(t *testing.T, repo domain.IdempotencyRepository, ttls ...time.Time) {
	t.Helper()
	for i, ttl := range ttls {
		key := fmt.Sprintf("key-%d", i)
		if _, err := repo.CreateProcessing(context.Background(), key, "sender-1", "hash-"+key, sweepNow.Add(-4*time.Hour), ttl); err != nil {
			t.Fatalf("CreateProcessing(%s): %v", key, err)
		}
	}
}

func TestSweeper_RemovesExpiredInBatches(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	seedKeys(t, repo,
		sweepNow.Add(-3*time.Hour),
		sweepNow.Add(-2*time.Hour),
		sweepNow.Add(-time.Hour),
		sweepNow.Add(time.Hour),
	)

	sweeper := NewSweeper(repo, Config{
		Clock:     clock.NewMockClock(sweepNow),
		Metrics:   metrics.NewPipelineMetricsWith(prometheus.NewRegistry()),
		BatchSize: 2,
	})
	deleted, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 expired keys removed, got %d", deleted)
	}
	if _, err := repo.Get(context.Background(), "key-3"); err != nil {
		t.Fatalf("live key must survive: %v", err)
	}
}

func TestSweeper_GraceKeepsRecentlyExpired(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	seedKeys(t, repo, sweepNow.Add(-2*time.Hour), sweepNow.Add(-10*time.Minute))

	sweeper := NewSweeper(repo, Config{Clock: clock.NewMockClock(sweepNow), Grace: time.Hour})
	deleted, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected only the old key removed, got %d", deleted)
	}
	if _, err := repo.Get(context.Background(), "key-1"); err != nil {
		t.Fatalf("key inside grace period must survive: %v", err)
	}
}

func TestSweeper_SkipsWhenLockHeld(t *testing.T) {
	repo := &countingRepo{}
	locker := reconcile.NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), sweepLockKey)
	if err != nil {
		t.Fatal(err)
	}

	sweeper := NewSweeper(repo, Config{Locker: locker})
	if n, err := sweeper.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected skipped sweep, got %d, %v", n, err)
	}
	if repo.calls() != 0 {
		t.Fatal("repository must not be touched while another replica sweeps")
	}

	unlock()
	if _, err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep after unlock failed: %v", err)
	}
	if repo.calls() != 1 {
		t.Fatalf("expected one delete call, got %d", repo.calls())
	}
}

func TestSweeper_RepositoryError(t *testing.T) {
	repo := &countingRepo{results: []int{500}, err: errors.New("connection reset")}

	deleted, err := NewSweeper(repo, Config{}).Sweep(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if deleted != 500 {
		t.Fatalf("first batch must be counted, got %d", deleted)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	repo := &countingRepo{}
	sweeper := NewSweeper(repo, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	if repo.calls() == 0 {
		t.Fatal("expected at least one sweep")
	}
}

// countingRepo отдаёт results по очереди, затем err.
type countingRepo struct {
	domain.IdempotencyRepository

	mu      sync.Mutex
	results []int
	err     error
	n       int
}

func (r *countingRepo) DeleteExpired(context.Context, time.Time, int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	if len(r.results) > 0 {
		n := r.results[0]
		r.results = r.results[1:]
		return n, nil
	}
	return 0, r.err
}

func (r *countingRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
