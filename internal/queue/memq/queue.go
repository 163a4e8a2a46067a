// Package memq реализует отложенную очередь в памяти для тестов и локального запуска без Redis.
package memq

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const (
	defaultLease   = 5 * time.Minute
	defaultBackoff = 2 * time.Second
)

type entry struct {
	job        domain.Job
	seq        int64
	leaseUntil time.Time
}

// Queue хранит задачи в памяти процесса.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	seq     int64
	lease   time.Duration
	backoff time.Duration
}

// New создаёт пустую очередь. Нулевые значения lease/backoff заменяются значениями по умолчанию.
func New(lease, backoff time.Duration) *Queue {
	if lease <= 0 {
		lease = defaultLease
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Queue{jobs: make(map[string]*entry), lease: lease, backoff: backoff}
}

func (q *Queue) Enqueue(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; ok {
		return errors.Wrapf(domain.ErrJobExists, "job %s", job.ID)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	job.Attempts = 0
	job.LastError = ""
	job.StartedAt, job.FinishedAt = nil, nil
	job.State = domain.JobDelayed
	if !job.RunAt.After(job.EnqueuedAt) {
		job.State = domain.JobWaiting
	}
	q.jobs[job.ID] = &entry{job: job, seq: q.next()}
	return nil
}

func (q *Queue) Promote(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	for _, e := range q.ordered(func(e *entry) bool {
		return (e.job.State == domain.JobDelayed && !e.job.RunAt.After(now)) ||
			(e.job.State == domain.JobActive && !e.leaseUntil.After(now))
	}) {
		e.job.State = domain.JobWaiting
		e.seq = q.next()
		moved++
	}
	return moved, nil
}

func (q *Queue) Dequeue(_ context.Context, now time.Time) (domain.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting := q.ordered(func(e *entry) bool { return e.job.State == domain.JobWaiting })
	if len(waiting) == 0 {
		return domain.Job{}, false, nil
	}
	e := waiting[0]
	started := now
	e.job.State = domain.JobActive
	e.job.Attempts++
	e.job.StartedAt = &started
	e.leaseUntil = now.Add(q.lease)
	return e.job, true, nil
}

func (q *Queue) Complete(_ context.Context, id string, now time.Time) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.active(id)
	if err != nil {
		return domain.Job{}, err
	}
	finished := now
	e.job.State = domain.JobCompleted
	e.job.FinishedAt = &finished
	e.seq = q.next()
	return e.job, nil
}

func (q *Queue) Fail(_ context.Context, id, reason string, now time.Time) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.active(id)
	if err != nil {
		return domain.Job{}, err
	}
	e.job.LastError = reason
	e.seq = q.next()
	if e.job.Attempts >= e.job.MaxAttempts {
		finished := now
		e.job.State = domain.JobFailed
		e.job.FinishedAt = &finished
		return e.job, nil
	}
	e.job.State = domain.JobDelayed
	e.job.RunAt = now.Add(q.backoff * time.Duration(1<<(e.job.Attempts-1)))
	return e.job, nil
}

func (q *Queue) Get(_ context.Context, id string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return domain.Job{}, errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
	}
	return e.job, nil
}

func (q *Queue) List(_ context.Context, states []domain.JobState, offset, limit int) ([]domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(states) == 0 {
		states = domain.LiveJobStates
	}
	var out []domain.Job
	for _, s := range states {
		part := q.ordered(func(e *entry) bool { return e.job.State == s })
		if s.Terminal() {
			slices.Reverse(part)
		}
		for _, e := range part {
			out = append(out, e.job)
		}
	}

	offset = max(offset, 0)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) Counts(context.Context) (map[domain.JobState]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := map[domain.JobState]int{
		domain.JobWaiting: 0, domain.JobDelayed: 0, domain.JobActive: 0,
		domain.JobCompleted: 0, domain.JobFailed: 0,
	}
	for _, e := range q.jobs {
		out[e.job.State]++
	}
	return out, nil
}

func (q *Queue) Terminal(_ context.Context, limit int) ([]domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []domain.Job
	for _, s := range []domain.JobState{domain.JobCompleted, domain.JobFailed} {
		for _, e := range q.ordered(func(e *entry) bool { return e.job.State == s }) {
			if len(out) == limit {
				return out, nil
			}
			out = append(out, e.job)
		}
	}
	return out, nil
}

func (q *Queue) Retry(_ context.Context, id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
	}
	if e.job.State != domain.JobFailed {
		return errors.Wrapf(domain.ErrJobState, "job %s", id)
	}
	e.job.State = domain.JobWaiting
	e.job.Attempts = 0
	e.job.LastError = ""
	e.job.RunAt = now
	e.job.StartedAt, e.job.FinishedAt = nil, nil
	e.seq = q.next()
	return nil
}

func (q *Queue) Reschedule(_ context.Context, id string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
	}
	if e.job.State != domain.JobWaiting && e.job.State != domain.JobDelayed {
		return errors.Wrapf(domain.ErrJobState, "job %s", id)
	}
	e.job.State = domain.JobDelayed
	e.job.RunAt = runAt
	return nil
}

func (q *Queue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.jobs, id)
	return nil
}

// active возвращает задачу в аренде; вызывается под мьютексом.
func (q *Queue) active(id string) (*entry, error) {
	e, ok := q.jobs[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
	}
	if e.job.State != domain.JobActive {
		return nil, errors.Wrapf(domain.ErrJobState, "job %s", id)
	}
	return e, nil
}

// ordered возвращает подходящие записи в порядке постановки; вызывается под мьютексом.
func (q *Queue) ordered(keep func(*entry) bool) []*entry {
	var out []*entry
	for _, e := range q.jobs {
		if keep(e) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *entry) int {
		if a.job.State == domain.JobDelayed && b.job.State == domain.JobDelayed {
			if c := a.job.RunAt.Compare(b.job.RunAt); c != 0 {
				return c
			}
		}
		return int(a.seq - b.seq)
	})
	return out
}

func (q *Queue) next() int64 {
	q.seq++
	return q.seq
}

var _ domain.DelayQueue = (*Queue)(nil)
