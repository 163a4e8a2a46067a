package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// idempotencyKeys хранит ключи отдельно от Store: они живут вне транзакций планирования.
type idempotencyKeys struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]domain.IdempotencyRecord
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyKeys{
		now:   func() time.Time { return time.Now().UTC() },
		items: make(map[string]domain.IdempotencyRecord),
	}
}

// CreateProcessing занимает ключ. Просроченную, но ещё не удалённую запись заменяет.
func (r *idempotencyKeys) CreateProcessing(_ context.Context, key, senderID, requestHash string, now, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	if now.IsZero() {
		now = r.now()
	}
	record, err := domain.NewIdempotencyRecord(key, senderID, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[record.Key]; ok && !existing.Expired(now) {
		return cloneRecord(existing), existing.Conflict(senderID, requestHash)
	}
	r.items[record.Key] = record
	return cloneRecord(record), nil
}

func (r *idempotencyKeys) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[strings.TrimSpace(key)]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneRecord(record), nil
}

func (r *idempotencyKeys) MarkDone(_ context.Context, key string, body []byte) error {
	return r.settle(key, domain.IdempotencyStatusDone, body)
}

func (r *idempotencyKeys) MarkFailed(_ context.Context, key string, body []byte) error {
	return r.settle(key, domain.IdempotencyStatusFailed, body)
}

// DeleteExpired удаляет до limit записей с ttl <= before, самые старые первыми.
func (r *idempotencyKeys) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.IdempotencyRecord
	for _, record := range r.items {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	slices.SortFunc(expired, func(a, b domain.IdempotencyRecord) int { return a.TTLAt.Compare(b.TTLAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(r.items, record.Key)
	}
	return len(expired), nil
}

func (r *idempotencyKeys) settle(key string, status domain.IdempotencyStatus, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key = strings.TrimSpace(key)
	record, ok := r.items[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	settled, err := record.Settle(status, body, r.now())
	if err != nil {
		return err
	}
	r.items[key] = settled
	return nil
}

func cloneRecord(r domain.IdempotencyRecord) domain.IdempotencyRecord {
	r.ResponseBody = slices.Clone(r.ResponseBody)
	return r
}

var _ domain.IdempotencyRepository = (*idempotencyKeys)(nil)
