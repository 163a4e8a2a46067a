package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	seq        int64
	status     string
	attemptCnt int
	createdAt  time.Time
	updatedAt  time.Time
}

// outboxWriter пишет сообщения в черновик транзакции.
type outboxWriter struct{ st *state }

// Enqueue сохраняет событие со статусом `pending`.
func (w outboxWriter) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.st.outboxSeq++
	w.st.outbox[msg.ID] = outboxRecord{
		msg:       msg,
		seq:       w.st.outboxSeq,
		status:    "pending",
		createdAt: now,
		updatedAt: now,
	}
	return msg, nil
}

// outboxRepository — сторона чтения outbox поверх общего Store.
type outboxRepository struct {
	store *Store
}

// NewOutboxRepository создаёт in-memory реализацию outbox для воркера.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{store: store}
}

// PullPending возвращает до limit сообщений со статусом `pending` в порядке записи.
func (r *outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	pending := r.pendingLocked()
	if len(pending) > limit {
		pending = pending[:limit]
	}
	result := make([]domain.OutboxMessage, 0, len(pending))
	for _, rec := range pending {
		result = append(result, rec.msg)
	}
	return result, nil
}

// Stats возвращает размер backlog и возраст самого старого сообщения.
func (r *outboxRepository) Stats(context.Context) (domain.OutboxStats, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	pending := r.pendingLocked()
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].createdAt
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r *outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.mark(id, "sent")
}

// MarkFailed фиксирует ошибку публикации.
func (r *outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, "failed")
}

func (r *outboxRepository) mark(id, status string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, ok := r.store.state.outbox[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	record.status = status
	record.attemptCnt++
	record.updatedAt = time.Now().UTC()
	r.store.state.outbox[id] = record
	return nil
}

func (r *outboxRepository) pendingLocked() []outboxRecord {
	var out []outboxRecord
	for _, rec := range r.store.state.outbox {
		if rec.status == "pending" {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b outboxRecord) int { return int(a.seq - b.seq) })
	return out
}

var (
	_ domain.OutboxWriter     = outboxWriter{}
	_ domain.OutboxRepository = (*outboxRepository)(nil)
)
