package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// state — снимок всех таблиц in-memory хранилища.
type state struct {
	senders    map[string]domain.Sender
	vendors    map[string]domain.Vendor
	methods    map[string]string
	recipients map[string]domain.Recipient
	units      map[string]domain.InventoryUnit
	schedules  map[string]domain.DeliverySchedule
	payments   map[string]domain.PaymentRecord
	ledger     []domain.InventoryTransaction
	history    map[string]domain.JobHistoryRecord
	outbox     map[string]outboxRecord
	outboxSeq  int64
}

func newState() *state {
	return &state{
		senders:    make(map[string]domain.Sender),
		vendors:    make(map[string]domain.Vendor),
		methods:    make(map[string]string),
		recipients: make(map[string]domain.Recipient),
		units:      make(map[string]domain.InventoryUnit),
		schedules:  make(map[string]domain.DeliverySchedule),
		payments:   make(map[string]domain.PaymentRecord),
		history:    make(map[string]domain.JobHistoryRecord),
		outbox:     make(map[string]outboxRecord),
	}
}

func (s *state) clone() *state {
	return &state{
		senders:    maps.Clone(s.senders),
		vendors:    maps.Clone(s.vendors),
		methods:    maps.Clone(s.methods),
		recipients: maps.Clone(s.recipients),
		units:      maps.Clone(s.units),
		schedules:  maps.Clone(s.schedules),
		payments:   maps.Clone(s.payments),
		ledger:     append([]domain.InventoryTransaction(nil), s.ledger...),
		history:    maps.Clone(s.history),
		outbox:     maps.Clone(s.outbox),
		outboxSeq:  s.outboxSeq,
	}
}

// Store — in-memory реализация единицы работы.
// Within работает на копии состояния и подменяет его только при успехе,
// поэтому ошибка внутри fn не оставляет частичных изменений.
type Store struct {
	mu    sync.RWMutex
	state *state
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Within выполняет fn атомарно. Транзакции сериализуются мьютексом.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.state.clone()
	if err := fn(ctx, &memTx{st: draft}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

// View выполняет fn на копии состояния; изменения отбрасываются.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	return fn(ctx, &memTx{st: snapshot})
}

// AddSender регистрирует отправителя в справочнике.
func (s *Store) AddSender(sender domain.Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.senders[sender.ID] = sender
}

// AddVendor регистрирует вендора.
func (s *Store) AddVendor(vendor domain.Vendor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.vendors[vendor.ID] = vendor
}

// SetPaymentMethod задаёт платёжный метод отправителя по умолчанию.
func (s *Store) SetPaymentMethod(senderID, methodRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.methods[senderID] = methodRef
}

// DefaultMethod реализует domain.Wallet.
func (s *Store) DefaultMethod(ctx context.Context, senderID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.state.methods[senderID]
	if !ok || ref == "" {
		return "", domain.ErrNoPaymentMethod
	}
	return ref, nil
}

type memTx struct {
	st *state
}

func (t *memTx) Recipients() domain.RecipientRepository { return recipientRepository{st: t.st} }
func (t *memTx) Inventory() domain.InventoryRepository  { return inventoryRepository{st: t.st} }
func (t *memTx) Schedules() domain.ScheduleRepository   { return scheduleRepository{st: t.st} }
func (t *memTx) Payments() domain.PaymentRepository     { return paymentRepository{st: t.st} }
func (t *memTx) Ledger() domain.LedgerRepository        { return ledgerRepository{st: t.st} }
func (t *memTx) History() domain.JobHistoryRepository   { return historyRepository{st: t.st} }
func (t *memTx) Directory() domain.DirectoryReader      { return directoryRepository{st: t.st} }
func (t *memTx) Outbox() domain.OutboxWriter            { return outboxWriter{st: t.st} }

var (
	_ domain.UnitOfWork = (*Store)(nil)
	_ domain.Wallet     = (*Store)(nil)
	_ domain.Tx         = (*memTx)(nil)
)
