package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

type ledgerRepository struct {
	q queryer
}

func (r *ledgerRepository) Append(ctx context.Context, t domain.InventoryTransaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO inventory_transactions (
			id, unit_id, type, from_status, to_status, reason, reference_id, actor_id, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		t.ID, t.UnitID, string(t.Type), string(t.FromStatus), string(t.ToStatus),
		t.Reason, t.ReferenceID, t.ActorID, t.OccurredAt,
	)
	return errors.Wrap(err, "append inventory transaction")
}

func (r *ledgerRepository) ListByUnit(ctx context.Context, unitID string) ([]domain.InventoryTransaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, unit_id, type, from_status, to_status, reason, reference_id, actor_id, occurred_at
		FROM inventory_transactions
		WHERE unit_id = $1
		ORDER BY occurred_at, id
	`, unitID)
	if err != nil {
		return nil, errors.Wrap(err, "list inventory transactions")
	}
	defer rows.Close()

	var out []domain.InventoryTransaction
	for rows.Next() {
		var (
			t             domain.InventoryTransaction
			typ, from, to string
		)
		if err := rows.Scan(&t.ID, &t.UnitID, &typ, &from, &to, &t.Reason, &t.ReferenceID, &t.ActorID, &t.OccurredAt); err != nil {
			return nil, errors.Wrap(err, "scan inventory transaction")
		}
		t.Type = domain.TransactionType(typ)
		t.FromStatus = domain.InventoryStatus(from)
		t.ToStatus = domain.InventoryStatus(to)
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate inventory transactions")
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
