// Package redisq реализует отложенную очередь задач доставки поверх Redis.
package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const (
	defaultPrefix  = "giftsched:delivery"
	defaultLease   = 5 * time.Minute
	defaultBackoff = 2 * time.Second
)

// Option настраивает Queue.
type Option func(*Queue)

// WithPrefix задаёт префикс ключей.
func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// WithLease задаёт время аренды задачи воркером; после него задача возвращается в ожидание.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithBackoff задаёт базовую паузу экспоненциального повтора.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

// Queue — реализация domain.DelayQueue на Redis.
type Queue struct {
	client  goredis.UniversalClient
	prefix  string
	lease   time.Duration
	backoff time.Duration
}

// New создаёт очередь поверх готового клиента.
func New(client goredis.UniversalClient, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	q := &Queue{
		client:  client,
		prefix:  defaultPrefix,
		lease:   defaultLease,
		backoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Connect разбирает URL, открывает клиента и проверяет связь.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

func (q *Queue) jobPrefix() string                 { return q.prefix + ":job:" }
func (q *Queue) jobKey(id string) string           { return q.jobPrefix() + id }
func (q *Queue) stateKey(s domain.JobState) string { return q.prefix + ":" + string(s) }

func (q *Queue) Enqueue(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal job payload")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.stateKey(domain.JobWaiting), q.stateKey(domain.JobDelayed)},
		job.ID, job.Name, payload, job.RunAt.UnixMilli(), job.EnqueuedAt.UnixMilli(), job.MaxAttempts,
	).Int()
	if err != nil {
		return errors.Wrap(err, "enqueue job")
	}
	if added == 0 {
		return errors.Wrapf(domain.ErrJobExists, "job %s", job.ID)
	}
	return nil
}

func (q *Queue) Promote(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.stateKey(domain.JobDelayed), q.stateKey(domain.JobActive), q.stateKey(domain.JobWaiting)},
		now.UnixMilli(), q.jobPrefix(),
	).Int()
	if err != nil {
		return 0, errors.Wrap(err, "promote jobs")
	}
	return n, nil
}

func (q *Queue) Dequeue(ctx context.Context, now time.Time) (domain.Job, bool, error) {
	id, err := dequeueScript.Run(ctx, q.client,
		[]string{q.stateKey(domain.JobWaiting), q.stateKey(domain.JobActive)},
		now.UnixMilli(), now.Add(q.lease).UnixMilli(), q.jobPrefix(),
	).Text()
	if errors.Is(err, goredis.Nil) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, errors.Wrap(err, "dequeue job")
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (q *Queue) Complete(ctx context.Context, id string, now time.Time) (domain.Job, error) {
	code, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.stateKey(domain.JobActive), q.stateKey(domain.JobCompleted)},
		id, now.UnixMilli(),
	).Int()
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "complete job")
	}
	if err := scriptError(code, id); err != nil {
		return domain.Job{}, err
	}
	return q.Get(ctx, id)
}

func (q *Queue) Fail(ctx context.Context, id, reason string, now time.Time) (domain.Job, error) {
	code, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.stateKey(domain.JobActive), q.stateKey(domain.JobDelayed), q.stateKey(domain.JobFailed)},
		id, reason, now.UnixMilli(), q.backoff.Milliseconds(),
	).Int()
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "fail job")
	}
	if err := scriptError(code, id); err != nil {
		return domain.Job{}, err
	}
	return q.Get(ctx, id)
}

func (q *Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "load job")
	}
	if len(fields) == 0 {
		return domain.Job{}, errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
	}
	return decodeJob(fields)
}

func (q *Queue) List(ctx context.Context, states []domain.JobState, offset, limit int) ([]domain.Job, error) {
	if len(states) == 0 {
		states = domain.LiveJobStates
	}
	var ids []string
	for _, s := range states {
		var (
			part []string
			err  error
		)
		switch s {
		case domain.JobWaiting:
			part, err = q.client.LRange(ctx, q.stateKey(s), 0, -1).Result()
		case domain.JobCompleted, domain.JobFailed:
			part, err = q.client.ZRevRange(ctx, q.stateKey(s), 0, -1).Result()
		default:
			part, err = q.client.ZRange(ctx, q.stateKey(s), 0, -1).Result()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list %s jobs", s)
		}
		ids = append(ids, part...)
	}

	offset = max(offset, 0)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return q.loadMany(ctx, ids)
}

func (q *Queue) Counts(ctx context.Context) (map[domain.JobState]int, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.stateKey(domain.JobWaiting))
	zsets := map[domain.JobState]*goredis.IntCmd{}
	for _, s := range []domain.JobState{domain.JobDelayed, domain.JobActive, domain.JobCompleted, domain.JobFailed} {
		zsets[s] = pipe.ZCard(ctx, q.stateKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}

	out := map[domain.JobState]int{domain.JobWaiting: int(waiting.Val())}
	for s, cmd := range zsets {
		out[s] = int(cmd.Val())
	}
	return out, nil
}

func (q *Queue) Terminal(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	completed, err := q.client.ZRange(ctx, q.stateKey(domain.JobCompleted), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list completed jobs")
	}
	ids := completed
	if rest := limit - len(completed); rest > 0 {
		failed, err := q.client.ZRange(ctx, q.stateKey(domain.JobFailed), 0, int64(rest-1)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "list failed jobs")
		}
		ids = append(ids, failed...)
	}
	return q.loadMany(ctx, ids)
}

func (q *Queue) Retry(ctx context.Context, id string, now time.Time) error {
	code, err := retryScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.stateKey(domain.JobFailed), q.stateKey(domain.JobWaiting)},
		id, now.UnixMilli(),
	).Int()
	if err != nil {
		return errors.Wrap(err, "retry job")
	}
	return scriptError(code, id)
}

func (q *Queue) Reschedule(ctx context.Context, id string, runAt time.Time) error {
	code, err := rescheduleScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.stateKey(domain.JobWaiting), q.stateKey(domain.JobDelayed)},
		id, runAt.UnixMilli(),
	).Int()
	if err != nil {
		return errors.Wrap(err, "reschedule job")
	}
	return scriptError(code, id)
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	err := removeScript.Run(ctx, q.client,
		[]string{
			q.jobKey(id),
			q.stateKey(domain.JobWaiting), q.stateKey(domain.JobDelayed), q.stateKey(domain.JobActive),
			q.stateKey(domain.JobCompleted), q.stateKey(domain.JobFailed),
		},
		id,
	).Err()
	return errors.Wrap(err, "remove job")
}

// Ping проверяет доступность Redis; подходит как health checker.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) loadMany(ctx context.Context, ids []string) ([]domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}

	out := make([]domain.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func scriptError(code int, id string) error {
	switch code {
	case -1:
		return errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
	case -2:
		return errors.Wrapf(domain.ErrJobState, "job %s", id)
	default:
		return nil
	}
}

func decodeJob(f map[string]string) (domain.Job, error) {
	job := domain.Job{
		ID:        f["id"],
		Name:      f["name"],
		State:     domain.JobState(f["state"]),
		LastError: f["last_error"],
	}
	if err := json.Unmarshal([]byte(f["payload"]), &job.Payload); err != nil {
		return domain.Job{}, errors.Wrapf(err, "decode payload of job %s", job.ID)
	}
	job.Attempts = atoi(f["attempts"])
	job.MaxAttempts = atoi(f["max_attempts"])
	job.RunAt = millis(f["run_at"])
	job.EnqueuedAt = millis(f["enqueued_at"])
	if v, ok := f["started_at"]; ok && v != "" {
		t := millis(v)
		job.StartedAt = &t
	}
	if v, ok := f["finished_at"]; ok && v != "" {
		t := millis(v)
		job.FinishedAt = &t
	}
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// millis разбирает отметку в миллисекундах; Lua может вернуть её в виде float.
func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return time.Time{}
		}
		ms = int64(f)
	}
	return time.UnixMilli(ms).UTC()
}

var _ domain.DelayQueue = (*Queue)(nil)
