package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const idempotencyColumns = `key, sender_id, request_hash, response_body, status, ttl_at, created_at, updated_at`

type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateProcessing занимает ключ одной командой: вставка либо перезапись
// только просроченной строки. Живой ключ остаётся нетронутым.
func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, senderID, requestHash string, now, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	if now.IsZero() {
		now = r.now()
	}
	record, err := domain.NewIdempotencyRecord(key, senderID, requestHash, ttlAt, now.UTC())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, `
		INSERT INTO idempotency_keys (`+idempotencyColumns+`)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, $6)
		ON CONFLICT (key) DO UPDATE
		SET sender_id = EXCLUDED.sender_id,
		    request_hash = EXCLUDED.request_hash,
		    response_body = NULL,
		    status = EXCLUDED.status,
		    ttl_at = EXCLUDED.ttl_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.ttl_at <= EXCLUDED.created_at
	`, record.Key, record.SenderID, record.RequestHash, string(record.Status), record.TTLAt, record.CreatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, errors.Wrap(err, "create idempotency record")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, errors.Wrap(err, "idempotency rows affected")
	}
	if affected > 0 {
		return record, nil
	}

	existing, err := r.Get(ctx, record.Key)
	if err != nil {
		// Строку успели удалить между командами: для клиента это всё равно занятый ключ.
		if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		return domain.IdempotencyRecord{}, err
	}
	return existing, existing.Conflict(senderID, requestHash)
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record domain.IdempotencyRecord
		status string
		body   []byte
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key).Scan(
		&record.Key,
		&record.SenderID,
		&record.RequestHash,
		&body,
		&status,
		&record.TTLAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, errors.Wrap(err, "get idempotency record")
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, errors.Newf("invalid idempotency status %q for key %s", status, key)
	}
	record.ResponseBody = body
	return record, nil
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, body []byte) error {
	return r.settle(ctx, key, domain.IdempotencyStatusDone, body)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, body []byte) error {
	return r.settle(ctx, key, domain.IdempotencyStatusFailed, body)
}

// DeleteExpired удаляет до limit записей с ttl <= before, самые старые первыми.
// limit <= 0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
		)
	`, before, limitArg)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired idempotency records")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "idempotency rows affected")
	}
	return int(affected), nil
}

// settle пишет ответ только поверх processing. Если строка не обновилась,
// различает отсутствующий ключ и уже сохранённый ответ.
func (r *idempotencyRepository) settle(ctx context.Context, key string, status domain.IdempotencyStatus, body []byte) error {
	key = strings.TrimSpace(key)
	if !status.Settled() {
		return errors.Newf("cannot settle idempotency key with status %q", status)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, `
		UPDATE idempotency_keys
		SET response_body = $1, status = $2, updated_at = $3
		WHERE key = $4 AND status = $5
	`, body, string(status), r.now(), key, string(domain.IdempotencyStatusProcessing))
	if err != nil {
		return errors.Wrap(err, "settle idempotency key")
	}
	if err := requireAffected(res, errNothingSettled); !errors.Is(err, errNothingSettled) {
		return err
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrIdempotencySettled, "key %s is %s", existing.Key, existing.Status)
}

var errNothingSettled = errors.New("no processing idempotency key")

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
