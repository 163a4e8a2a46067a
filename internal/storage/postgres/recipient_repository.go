package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

type recipientRepository struct {
	q queryer
}

func (r *recipientRepository) FindByEmail(ctx context.Context, senderID, email string) (domain.Recipient, error) {
	var rec domain.Recipient
	err := r.q.QueryRowContext(ctx, `
		SELECT id, sender_id, name, email, birthday, created_at, updated_at
		FROM recipients
		WHERE sender_id = $1 AND lower(email) = lower($2)
	`, senderID, strings.TrimSpace(email)).Scan(
		&rec.ID, &rec.SenderID, &rec.Name, &rec.Email, &rec.Birthday, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Recipient{}, domain.ErrRecipientNotFound
		}
		return domain.Recipient{}, errors.Wrap(err, "find recipient by email")
	}
	return rec, nil
}

func (r *recipientRepository) Create(ctx context.Context, rec domain.Recipient) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO recipients (id, sender_id, name, email, birthday, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.SenderID, rec.Name, rec.Email, rec.Birthday, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrScheduleConflict, "recipient %s already exists", rec.Email)
		}
		return errors.Wrap(err, "create recipient")
	}
	return nil
}

func (r *recipientRepository) Update(ctx context.Context, rec domain.Recipient) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE recipients
		SET name = $2, birthday = $3, updated_at = $4
		WHERE id = $1
	`, rec.ID, rec.Name, rec.Birthday, rec.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update recipient")
	}
	return requireAffected(res, domain.ErrRecipientNotFound)
}

// requireAffected превращает UPDATE без затронутых строк в доменную ошибку.
func requireAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

var _ domain.RecipientRepository = (*recipientRepository)(nil)
