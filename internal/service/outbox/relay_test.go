package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
)

var relayNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func enqueueMessage(id, scheduleID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.OutboxAggregateSchedule,
		AggregateID:   scheduleID,
		EventType:     domain.OutboxDeliveryEnqueue,
		Payload:       []byte(fmt.Sprintf(`{"schedule_id":%q}`, scheduleID)),
	}
}

func newTestRelay(repo *fakeRepo, publisher domain.OutboxPublisher, mutate func(*Config)) *Relay {
	cfg := Config{
		Clock:   clock.NewMockClock(relayNow),
		Metrics: metrics.NewPipelineMetricsWith(prometheus.NewRegistry()),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRelay(repo, publisher, cfg)
}

func TestRelay_FlushMarksSent(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{enqueueMessage("m1", "s1"), enqueueMessage("m2", "s2")}}
	publisher := &fakePublisher{}

	res, err := newTestRelay(repo, publisher, nil).Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Sent: 2}, res)
	require.ElementsMatch(t, []string{"m1", "m2"}, repo.sent())
	require.Empty(t, repo.failed())
}

func TestRelay_RetriesThenDeadLetters(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{enqueueMessage("m1", "s1")}}
	publisher := &fakePublisher{fail: map[string]int{"m1": 10}}
	dlq := &fakePublisher{}

	relay := newTestRelay(repo, publisher, func(c *Config) {
		c.Attempts = 3
		c.DeadLetter = dlq
	})
	res, err := relay.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Failed: 1}, res)
	require.Equal(t, 3, publisher.callsFor("m1"))
	require.Equal(t, []string{"m1"}, repo.failed())

	require.Len(t, dlq.published, 1)
	envelope, err := DecodeDeadLetter(dlq.published[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "m1", envelope.OutboxID)
	require.Equal(t, domain.OutboxDeliveryEnqueue, envelope.EventType)
	require.JSONEq(t, `{"schedule_id":"s1"}`, string(envelope.Payload))
	require.Contains(t, envelope.Error, "after 3 attempts")
	require.True(t, envelope.FailedAt.Equal(relayNow))
}

func TestDecodeDeadLetter_Invalid(t *testing.T) {
	_, err := DecodeDeadLetter([]byte("{"))
	require.Error(t, err)
	_, err = DecodeDeadLetter([]byte(`{"outbox_id":"m1"}`))
	require.ErrorContains(t, err, "no event_type")
}

func TestRelay_SucceedsAfterRetry(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{enqueueMessage("m1", "s1")}}
	publisher := &fakePublisher{fail: map[string]int{"m1": 2}}

	res, err := newTestRelay(repo, publisher, func(c *Config) { c.Attempts = 3 }).Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Sent: 1}, res)
	require.Equal(t, 3, publisher.callsFor("m1"))
}

func TestRelay_KeepsOrderWithinAggregate(t *testing.T) {
	var pending []domain.OutboxMessage
	for i := range 5 {
		pending = append(pending,
			enqueueMessage(fmt.Sprintf("a%d", i), "sched-a"),
			enqueueMessage(fmt.Sprintf("b%d", i), "sched-b"),
		)
	}
	repo := &fakeRepo{pending: pending}
	publisher := &fakePublisher{}

	res, err := newTestRelay(repo, publisher, func(c *Config) { c.Parallelism = 2 }).Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, res.Sent)

	order := map[string][]string{}
	for _, msg := range publisher.published {
		order[msg.AggregateID] = append(order[msg.AggregateID], msg.ID)
	}
	require.Equal(t, []string{"a0", "a1", "a2", "a3", "a4"}, order["sched-a"])
	require.Equal(t, []string{"b0", "b1", "b2", "b3", "b4"}, order["sched-b"])
}

func TestRelay_FailureDoesNotBlockLaterMessages(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{enqueueMessage("m1", "s1"), enqueueMessage("m2", "s1")}}
	publisher := &fakePublisher{fail: map[string]int{"m1": 10}}

	res, err := newTestRelay(repo, publisher, func(c *Config) { c.Attempts = 1 }).Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Sent: 1, Failed: 1}, res)
	require.Equal(t, []string{"m2"}, repo.sent())
	require.Equal(t, []string{"m1"}, repo.failed())
}

func TestRelay_PullError(t *testing.T) {
	repo := &fakeRepo{pullErr: errors.New("db down")}
	_, err := newTestRelay(repo, &fakePublisher{}, nil).Flush(context.Background())
	require.ErrorContains(t, err, "db down")
}

func TestRelay_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := &fakeRepo{pending: []domain.OutboxMessage{enqueueMessage("m1", "s1")}}
	publisher := &fakePublisher{}
	_, err := newTestRelay(repo, publisher, nil).Flush(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, publisher.callsFor("m1"))
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{enqueueMessage("m1", "s1")}}
	relay := newTestRelay(repo, &fakePublisher{}, func(c *Config) { c.PollInterval = 5 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(repo.sent()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestRelay_RunDisabledWithoutPublisher(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewRelay(&fakeRepo{}, nil, Config{}).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay without publisher must return immediately")
	}
}

func TestBackoff(t *testing.T) {
	require.Zero(t, backoff(0, 3))
	require.Equal(t, 50*time.Millisecond, backoff(50*time.Millisecond, 1))
	require.Equal(t, 200*time.Millisecond, backoff(50*time.Millisecond, 3))
	require.Equal(t, time.Millisecond<<16, backoff(time.Millisecond, 40))
}

type fakeRepo struct {
	mu        sync.Mutex
	pending   []domain.OutboxMessage
	pullErr   error
	sentIDs   []string
	failedIDs []string
}

func (r *fakeRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pullErr != nil {
		return nil, r.pullErr
	}
	var out []domain.OutboxMessage
	for _, msg := range r.pending {
		if len(out) == limit {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *fakeRepo) Stats(context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.OutboxStats{PendingCount: len(r.pending), OldestPendingAt: relayNow.Add(-time.Minute)}, nil
}

func (r *fakeRepo) MarkSent(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sentIDs = append(r.sentIDs, id)
	r.drop(id)
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedIDs = append(r.failedIDs, id)
	r.drop(id)
	return nil
}

func (r *fakeRepo) drop(id string) {
	for i, msg := range r.pending {
		if msg.ID == id {
			r.pending = append(r.pending[:i:i], r.pending[i+1:]...)
			return
		}
	}
}

func (r *fakeRepo) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sentIDs...)
}

func (r *fakeRepo) failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failedIDs...)
}

// fakePublisher падает первые fail[id] вызовов для сообщения id.
type fakePublisher struct {
	mu        sync.Mutex
	fail      map[string]int
	calls     map[string]int
	published []domain.OutboxMessage
}

func (p *fakePublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[msg.ID]++
	if p.calls[msg.ID] <= p.fail[msg.ID] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) callsFor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

var (
	_ domain.OutboxRepository = (*fakeRepo)(nil)
	_ domain.OutboxPublisher  = (*fakePublisher)(nil)
)
