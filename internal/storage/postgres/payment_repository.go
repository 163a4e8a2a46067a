package postgres

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

type paymentRepository struct {
	q queryer
}

func (r *paymentRepository) Create(ctx context.Context, p domain.PaymentRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments (
			id, sender_id, reference_id, amount, captured_amount, currency, status,
			inventory_unit_id, failure_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		p.ID, p.SenderID, p.ReferenceID, p.Amount, p.CapturedAmount, p.Currency, string(p.Status),
		nullString(p.InventoryUnitID), p.FailureReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "create payment record")
	}
	return nil
}

func (r *paymentRepository) Update(ctx context.Context, p domain.PaymentRecord) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET reference_id = $2, captured_amount = $3, status = $4,
		    inventory_unit_id = $5, failure_reason = $6, updated_at = $7
		WHERE id = $1
	`,
		p.ID, p.ReferenceID, p.CapturedAmount, string(p.Status),
		nullString(p.InventoryUnitID), p.FailureReason, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "update payment record")
	}
	return requireAffected(res, domain.ErrPaymentNotFound)
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.PaymentRecord, error) {
	var (
		p      domain.PaymentRecord
		status string
		unitID sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, sender_id, reference_id, amount, captured_amount, currency, status,
		       inventory_unit_id, failure_reason, created_at, updated_at
		FROM payments WHERE id = $1
	`, id).Scan(
		&p.ID, &p.SenderID, &p.ReferenceID, &p.Amount, &p.CapturedAmount, &p.Currency, &status,
		&unitID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentRecord{}, domain.ErrPaymentNotFound
		}
		return domain.PaymentRecord{}, errors.Wrap(err, "get payment record")
	}
	p.Status = domain.PaymentStatus(status)
	p.InventoryUnitID = unitID.String
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
