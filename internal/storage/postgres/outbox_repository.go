package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"

	defaultOutboxBatch = 100
)

// outboxWriter пишет сообщения в транзакции единицы работы: событие появляется
// в outbox только вместе с изменением, которое его породило.
type outboxWriter struct {
	q queryer
}

func (w *outboxWriter) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Payload == nil {
		msg.Payload = []byte{}
	}

	now := time.Now().UTC()
	if _, err := w.q.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, outboxPending, now,
	); err != nil {
		return domain.OutboxMessage{}, errors.Wrapf(err, "enqueue outbox %s for %s", msg.EventType, msg.AggregateID)
	}
	return msg, nil
}

// outboxRepository — сторона relay: чтение backlog и отметки о публикации.
type outboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB(), now: time.Now}
}

// PullPending отдаёт старейшие pending-сообщения; порядок created_at, id совпадает с порядком записи.
func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, outboxPending, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select pending outbox")
	}
	defer rows.Close()

	var batch []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Payload); err != nil {
			return nil, errors.Wrap(err, "scan outbox row")
		}
		batch = append(batch, m)
	}
	return batch, errors.Wrap(rows.Err(), "iterate pending outbox")
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = $1`, outboxPending,
	).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, errors.Wrap(err, "outbox backlog stats")
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.mark(ctx, id, outboxSent)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.mark(ctx, id, outboxFailed)
}

// mark переводит сообщение в итоговый статус и считает попытку.
// Для неизвестного id возвращает ErrOutboxPublish.
func (r *outboxRepository) mark(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, updated_at = $3
		WHERE id = $1`, id, status, r.now().UTC())
	if err != nil {
		return errors.Wrapf(err, "mark outbox %s %s", id, status)
	}
	return requireAffected(res, errors.Wrapf(domain.ErrOutboxPublish, "outbox message %s not found", id))
}

var (
	_ domain.OutboxWriter     = (*outboxWriter)(nil)
	_ domain.OutboxRepository = (*outboxRepository)(nil)
)
