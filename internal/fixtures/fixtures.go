// Package fixtures собирает тестовое окружение поверх in-memory хранилища.
package fixtures

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/service/codes"
	"github.com/vladislavdragonenkov/giftsched/internal/storage/memory"
)

const (
	SenderID    = "sender-1"
	SenderName  = "Sam Sender"
	SenderEmail = "sam@example.com"
	VendorID    = "vendor-amazon"
	VendorName  = "Amazon"
	MethodRef   = "pm_card_visa"
	// CodeKey — фиксированный ключ шифрования кодов для тестов.
	CodeKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

// Now — опорное время тестов.
var Now = time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC)

// Cipher возвращает шифратор на тестовом ключе.
func Cipher(t testing.TB) *codes.Cipher {
	t.Helper()
	c, err := codes.NewCipher(CodeKey)
	require.NoError(t, err)
	return c
}

// NewStore создаёт хранилище с отправителем, вендором и платёжным методом.
func NewStore() *memory.Store {
	store := memory.NewStore()
	store.AddSender(domain.Sender{ID: SenderID, Name: SenderName, Email: SenderEmail})
	store.AddVendor(domain.Vendor{ID: VendorID, Name: VendorName})
	store.SetPaymentMethod(SenderID, MethodRef)
	return store
}

// AddUnits заводит n доступных единиц с кодами CODE-<i>.
func AddUnits(t testing.TB, store domain.UnitOfWork, cipher domain.CodeCipher, n int, faceValue decimal.Decimal) []domain.InventoryUnit {
	t.Helper()

	units := make([]domain.InventoryUnit, 0, n)
	err := store.Within(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		for i := range n {
			code := fmt.Sprintf("CODE-%s-%d", uuid.NewString()[:8], i)
			sealed, err := cipher.Encrypt(code)
			if err != nil {
				return err
			}
			u := domain.InventoryUnit{
				ID:            uuid.NewString(),
				VendorID:      VendorID,
				FaceValue:     faceValue,
				SellingPrice:  faceValue.Mul(decimal.RequireFromString("0.95")),
				EncryptedCode: sealed,
				CodeHash:      cipher.Hash(code),
				Status:        domain.InventoryAvailable,
				CreatedAt:     Now.Add(time.Duration(i) * time.Second),
				UpdatedAt:     Now.Add(time.Duration(i) * time.Second),
			}
			if err := tx.Inventory().Create(ctx, u); err != nil {
				return err
			}
			units = append(units, u)
		}
		return nil
	})
	require.NoError(t, err)
	return units
}

// AddPendingSchedule оформляет продажу единицы и создаёт PENDING-расписание в обход саги.
func AddPendingSchedule(t testing.TB, store domain.UnitOfWork, unit domain.InventoryUnit, scheduledAt time.Time, notify bool) domain.DeliverySchedule {
	t.Helper()

	schedule := domain.DeliverySchedule{
		ID:              uuid.NewString(),
		SenderID:        SenderID,
		RecipientID:     uuid.NewString(),
		InventoryUnitID: unit.ID,
		PaymentID:       uuid.NewString(),
		ScheduledAt:     scheduledAt,
		CustomMessage:   "Happy birthday!",
		NotifySender:    notify,
		Status:          domain.DeliveryPending,
		CreatedAt:       Now,
		UpdatedAt:       Now,
	}
	err := store.Within(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		err := tx.Recipients().Create(ctx, domain.Recipient{
			ID:        schedule.RecipientID,
			SenderID:  SenderID,
			Name:      "Rita Recipient",
			Email:     "rita-" + schedule.ID[:8] + "@example.com",
			Birthday:  time.Date(1990, scheduledAt.Month(), scheduledAt.Day(), 0, 0, 0, 0, time.UTC),
			CreatedAt: Now,
			UpdatedAt: Now,
		})
		if err != nil {
			return err
		}
		if err := tx.Inventory().Transition(ctx, unit.ID, domain.InventoryAvailable, domain.InventoryReserved, Now); err != nil {
			return err
		}
		if err := tx.Inventory().Transition(ctx, unit.ID, domain.InventoryReserved, domain.InventoryUsed, Now); err != nil {
			return err
		}
		return tx.Schedules().Create(ctx, schedule)
	})
	require.NoError(t, err)
	return schedule
}

// Schedule читает расписание.
func Schedule(t testing.TB, store domain.UnitOfWork, id string) (domain.DeliverySchedule, error) {
	t.Helper()
	var s domain.DeliverySchedule
	err := store.View(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		var err error
		s, err = tx.Schedules().Get(ctx, id)
		return err
	})
	return s, err
}

// Unit читает единицу товара.
func Unit(t testing.TB, store domain.UnitOfWork, id string) domain.InventoryUnit {
	t.Helper()
	var u domain.InventoryUnit
	err := store.View(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		var err error
		u, err = tx.Inventory().Get(ctx, id)
		return err
	})
	require.NoError(t, err)
	return u
}

// Ledger читает журнал по единице.
func Ledger(t testing.TB, store domain.UnitOfWork, unitID string) []domain.InventoryTransaction {
	t.Helper()
	var entries []domain.InventoryTransaction
	err := store.View(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		var err error
		entries, err = tx.Ledger().ListByUnit(ctx, unitID)
		return err
	})
	require.NoError(t, err)
	return entries
}
