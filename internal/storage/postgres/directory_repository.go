package postgres

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

type directoryRepository struct {
	q queryer
}

func (r *directoryRepository) Sender(ctx context.Context, id string) (domain.Sender, error) {
	var s domain.Sender
	err := r.q.QueryRowContext(ctx, `SELECT id, name, email FROM users WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Sender{}, domain.ErrSenderNotFound
		}
		return domain.Sender{}, errors.Wrap(err, "get sender")
	}
	return s, nil
}

func (r *directoryRepository) Vendor(ctx context.Context, id string) (domain.Vendor, error) {
	var v domain.Vendor
	err := r.q.QueryRowContext(ctx, `SELECT id, name FROM vendors WHERE id = $1`, id).Scan(&v.ID, &v.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Vendor{}, domain.ErrVendorNotFound
		}
		return domain.Vendor{}, errors.Wrap(err, "get vendor")
	}
	return v, nil
}

// Wallet читает платёжные методы отправителей.
type Wallet struct {
	db *sql.DB
}

// NewWallet создаёт PostgreSQL-реализацию domain.Wallet.
func NewWallet(store *Store) *Wallet {
	return &Wallet{db: store.DB()}
}

// DefaultMethod возвращает активный метод по умолчанию, а при его отсутствии самый свежий активный.
func (w *Wallet) DefaultMethod(ctx context.Context, senderID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var ref string
	err := w.db.QueryRowContext(ctx, `
		SELECT method_ref
		FROM payment_methods
		WHERE user_id = $1 AND is_active
		ORDER BY is_default DESC, created_at DESC
		LIMIT 1
	`, senderID).Scan(&ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNoPaymentMethod
		}
		return "", errors.Wrap(err, "get default payment method")
	}
	return ref, nil
}

var (
	_ domain.DirectoryReader = (*directoryRepository)(nil)
	_ domain.Wallet          = (*Wallet)(nil)
)
