package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const (
	pgErrCodeUniqueViolation      = "23505"
	pgErrCodeSerializationFailure = "40001"
	pgErrCodeDeadlockDetected     = "40P01"

	maxTxRetries  = 3
	txBackoffBase = 50 * time.Millisecond
)

var (
	errTransactionBegin   = errors.New("begin transaction")
	errTransactionCommit  = errors.New("commit transaction")
	errMaxRetriesExceeded = errors.New("transaction failed after max retries")
)

// queryer — общий интерфейс *sql.DB и *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork — PostgreSQL-реализация domain.UnitOfWork.
type UnitOfWork struct {
	db     *sql.DB
	logger *log.Entry
}

// NewUnitOfWork создаёт единицу работы поверх Store.
func NewUnitOfWork(store *Store, logger *log.Entry) *UnitOfWork {
	if logger == nil {
		logger = log.New().WithField("component", "postgres-uow")
	}
	return &UnitOfWork{db: store.DB(), logger: logger}
}

// Within выполняет fn в serializable-транзакции.
// Конфликты сериализации и дедлоки повторяются с экспоненциальной паузой.
func (u *UnitOfWork) Within(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if u == nil || u.db == nil {
		return errStoreNotInitialized
	}

	var err error
	for attempt := 0; attempt <= maxTxRetries; attempt++ {
		err = u.runOnce(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		if attempt == maxTxRetries {
			break
		}

		wait := txBackoff(attempt)
		u.logger.WithFields(log.Fields{
			"attempt": attempt + 1,
			"wait_ms": wait.Milliseconds(),
		}).WithError(err).Warn("retrying serializable transaction")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	u.logger.WithError(err).Error("transaction failed after max retries")
	return errors.Mark(err, errMaxRetriesExceeded)
}

// View выполняет fn в read-only транзакции.
func (u *UnitOfWork) View(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if u == nil || u.db == nil {
		return errStoreNotInitialized
	}
	return u.runOnce(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (u *UnitOfWork) runOnce(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := u.db.BeginTx(ctx, opts)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "begin transaction"), errTransactionBegin)
	}

	if err := fn(ctx, newTx(sqlTx)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			u.logger.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Mark(errors.Wrap(err, "commit transaction"), errTransactionCommit)
	}
	return nil
}

func txBackoff(attempt int) time.Duration {
	wait := time.Duration(1<<attempt) * txBackoffBase
	return wait + time.Duration(randInt63n(int64(wait/5)))
}

func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	// #nosec G115 -- старший бит сброшен маской.
	return int64(binary.BigEndian.Uint64(buf[:])&0x7FFFFFFFFFFFFFFF) % n
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isRetryableError(err error) bool {
	switch pgErrorCode(err) {
	case pgErrCodeSerializationFailure, pgErrCodeDeadlockDetected:
		return true
	default:
		return false
	}
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgErrCodeUniqueViolation
}

// pgTx открывает репозитории поверх одной SQL-транзакции.
type pgTx struct {
	q queryer
}

func newTx(q queryer) *pgTx {
	return &pgTx{q: q}
}

func (t *pgTx) Recipients() domain.RecipientRepository { return &recipientRepository{q: t.q} }
func (t *pgTx) Inventory() domain.InventoryRepository  { return &inventoryRepository{q: t.q} }
func (t *pgTx) Schedules() domain.ScheduleRepository   { return &scheduleRepository{q: t.q} }
func (t *pgTx) Payments() domain.PaymentRepository     { return &paymentRepository{q: t.q} }
func (t *pgTx) Ledger() domain.LedgerRepository        { return &ledgerRepository{q: t.q} }
func (t *pgTx) History() domain.JobHistoryRepository   { return &historyRepository{q: t.q} }
func (t *pgTx) Directory() domain.DirectoryReader      { return &directoryRepository{q: t.q} }
func (t *pgTx) Outbox() domain.OutboxWriter            { return &outboxWriter{q: t.q} }

var (
	_ domain.UnitOfWork = (*UnitOfWork)(nil)
	_ domain.Tx         = (*pgTx)(nil)
)
