package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// UnitOfWork выполняет функцию атомарно: все изменения фиксируются вместе или откатываются.
type UnitOfWork interface {
	// Within запускает fn в сериализуемой транзакции с повтором при конфликтах сериализации.
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View запускает fn в read-only транзакции.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx открывает репозитории в рамках одной транзакции.
type Tx interface {
	Recipients() RecipientRepository
	Inventory() InventoryRepository
	Schedules() ScheduleRepository
	Payments() PaymentRepository
	Ledger() LedgerRepository
	History() JobHistoryRepository
	Directory() DirectoryReader
	Outbox() OutboxWriter
}

// RecipientRepository хранит получателей.
type RecipientRepository interface {
	// FindByEmail ищет получателя отправителя по email или возвращает ErrRecipientNotFound.
	FindByEmail(ctx context.Context, senderID, email string) (Recipient, error)
	Create(ctx context.Context, r Recipient) error
	Update(ctx context.Context, r Recipient) error
}

// InventoryRepository — хранилище единиц товара с условными переходами статуса.
type InventoryRepository interface {
	// Create заводит единицу; дубликат хэша возвращает ErrDuplicateCode.
	Create(ctx context.Context, u InventoryUnit) error
	Get(ctx context.Context, id string) (InventoryUnit, error)
	// Candidates возвращает доступные единицы в порядке продажи: сначала истекающие, затем FIFO.
	Candidates(ctx context.Context, vendorID string, faceValue decimal.Decimal, now time.Time, limit int) ([]InventoryUnit, error)
	// Transition меняет статус только если текущий равен from, иначе ErrInventoryConflict.
	Transition(ctx context.Context, id string, from, to InventoryStatus, at time.Time) error
	// CountAvailable считает продаваемые единицы вендора и номинала.
	CountAvailable(ctx context.Context, vendorID string, faceValue decimal.Decimal, now time.Time) (int, error)
	// StaleReservations возвращает единицы, удерживаемые дольше порога.
	StaleReservations(ctx context.Context, reservedBefore time.Time, limit int) ([]InventoryUnit, error)
}

// ScheduleRepository хранит расписания доставки.
type ScheduleRepository interface {
	Create(ctx context.Context, s DeliverySchedule) error
	Get(ctx context.Context, id string) (DeliverySchedule, error)
	// UpdateFields сохраняет дату и сообщение только для PENDING-расписания.
	UpdateFields(ctx context.Context, s DeliverySchedule) error
	// SetStatus переводит статус, если текущий равен from, иначе ErrScheduleConflict.
	SetStatus(ctx context.Context, id string, from, to DeliveryStatus, sentAt *time.Time, reason string, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f ScheduleFilter) ([]ScheduleSummary, int, error)
	CountByStatus(ctx context.Context) (map[DeliveryStatus]int, error)
	// Details собирает свежие данные расписания, отправителя, получателя и вендора.
	Details(ctx context.Context, id string) (ScheduleDetails, error)
}

// PaymentRepository — аудит платежей.
type PaymentRepository interface {
	Create(ctx context.Context, p PaymentRecord) error
	Update(ctx context.Context, p PaymentRecord) error
	Get(ctx context.Context, id string) (PaymentRecord, error)
}

// LedgerRepository — журнал складских операций, только добавление.
type LedgerRepository interface {
	Append(ctx context.Context, t InventoryTransaction) error
	ListByUnit(ctx context.Context, unitID string) ([]InventoryTransaction, error)
}

// JobHistoryRepository — долговременная история задач доставки.
type JobHistoryRepository interface {
	// Upsert записывает запись по job id; повтор обновляет ту же запись.
	Upsert(ctx context.Context, rec JobHistoryRecord) (created bool, err error)
	Get(ctx context.Context, jobID string) (JobHistoryRecord, error)
	// Recent возвращает последние записи отправителя (пустой senderID — все).
	Recent(ctx context.Context, senderID string, limit int) ([]JobHistoryRecord, error)
	Search(ctx context.Context, f HistoryFilter) ([]JobHistoryRecord, int, error)
}

// DirectoryReader читает справочники пользователей и вендоров.
type DirectoryReader interface {
	Sender(ctx context.Context, id string) (Sender, error)
	Vendor(ctx context.Context, id string) (Vendor, error)
}

// OutboxWriter пишет сообщения outbox в той же транзакции, что и бизнес-данные.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}
