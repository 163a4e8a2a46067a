package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const inventoryColumns = `id, vendor_id, face_value, selling_price, encrypted_code, code_hash,
	status, expires_at, reserved_at, created_at, updated_at`

type inventoryRepository struct {
	q queryer
}

func (r *inventoryRepository) Create(ctx context.Context, u domain.InventoryUnit) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO inventory_units (`+inventoryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		u.ID, u.VendorID, u.FaceValue, u.SellingPrice, u.EncryptedCode, u.CodeHash,
		string(u.Status), u.ExpiresAt, u.ReservedAt, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateCode
		}
		return errors.Wrap(err, "create inventory unit")
	}
	return nil
}

func (r *inventoryRepository) Get(ctx context.Context, id string) (domain.InventoryUnit, error) {
	u, err := scanInventoryUnit(r.q.QueryRowContext(ctx, `
		SELECT `+inventoryColumns+` FROM inventory_units WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryUnit{}, domain.ErrInventoryNotFound
		}
		return domain.InventoryUnit{}, errors.Wrap(err, "get inventory unit")
	}
	return u, nil
}

func (r *inventoryRepository) Candidates(ctx context.Context, vendorID string, faceValue decimal.Decimal, now time.Time, limit int) ([]domain.InventoryUnit, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory_units
		WHERE vendor_id = $1
		  AND face_value = $2
		  AND status = 'AVAILABLE'
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC
		LIMIT $4
	`, vendorID, faceValue, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select inventory candidates")
	}
	return collectInventoryUnits(rows)
}

func (r *inventoryRepository) Transition(ctx context.Context, id string, from, to domain.InventoryStatus, at time.Time) error {
	if !domain.CanTransition(from, to) && !(to == domain.InventoryAvailable && domain.CanRestock(from)) {
		return errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", from, to)
	}

	var reservedAt *time.Time
	if to == domain.InventoryReserved {
		reservedAt = &at
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE inventory_units
		SET status = $3, reserved_at = $4, updated_at = $5
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), reservedAt, at)
	if err != nil {
		return errors.Wrap(err, "transition inventory unit")
	}
	return requireAffected(res, domain.ErrInventoryConflict)
}

func (r *inventoryRepository) CountAvailable(ctx context.Context, vendorID string, faceValue decimal.Decimal, now time.Time) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM inventory_units
		WHERE vendor_id = $1
		  AND face_value = $2
		  AND status = 'AVAILABLE'
		  AND (expires_at IS NULL OR expires_at > $3)
	`, vendorID, faceValue, now).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count available inventory")
	}
	return n, nil
}

func (r *inventoryRepository) StaleReservations(ctx context.Context, reservedBefore time.Time, limit int) ([]domain.InventoryUnit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory_units
		WHERE status = 'RESERVED' AND reserved_at < $1
		ORDER BY reserved_at ASC
		LIMIT $2
	`, reservedBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale reservations")
	}
	return collectInventoryUnits(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventoryUnit(row rowScanner) (domain.InventoryUnit, error) {
	var (
		u          domain.InventoryUnit
		status     string
		expiresAt  sql.NullTime
		reservedAt sql.NullTime
	)
	if err := row.Scan(
		&u.ID, &u.VendorID, &u.FaceValue, &u.SellingPrice, &u.EncryptedCode, &u.CodeHash,
		&status, &expiresAt, &reservedAt, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return domain.InventoryUnit{}, err
	}
	u.Status = domain.InventoryStatus(status)
	u.ExpiresAt = nullTimePtr(expiresAt)
	u.ReservedAt = nullTimePtr(reservedAt)
	return u, nil
}

func collectInventoryUnits(rows *sql.Rows) ([]domain.InventoryUnit, error) {
	defer rows.Close()

	var out []domain.InventoryUnit
	for rows.Next() {
		u, err := scanInventoryUnit(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan inventory unit")
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate inventory rows")
	}
	return out, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

var _ domain.InventoryRepository = (*inventoryRepository)(nil)
