package inventory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/fixtures"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func intakeRequest(code string) domain.IntakeRequest {
	return domain.IntakeRequest{
		VendorID:     fixtures.VendorID,
		FaceValue:    decimal.NewFromInt(50),
		SellingPrice: decimal.RequireFromString("47.50"),
		Code:         code,
		ActorID:      "admin-1",
	}
}

func TestIntake_AddEncryptsCodeAndWritesPurchase(t *testing.T) {
	store := fixtures.NewStore()
	cipher := fixtures.Cipher(t)
	intake := NewIntake(store, cipher, clock.NewMockClock(fixtures.Now), quietLogger())

	unit, err := intake.Add(context.Background(), intakeRequest("  AMZN-1234-5678 "))
	require.NoError(t, err)
	require.Equal(t, domain.InventoryAvailable, unit.Status)
	require.NotContains(t, string(unit.EncryptedCode), "AMZN")
	require.Equal(t, cipher.Hash("AMZN-1234-5678"), unit.CodeHash)

	plain, err := cipher.Decrypt(fixtures.Unit(t, store, unit.ID).EncryptedCode)
	require.NoError(t, err)
	require.Equal(t, "AMZN-1234-5678", plain)

	entries := fixtures.Ledger(t, store, unit.ID)
	require.Len(t, entries, 1)
	require.Equal(t, domain.TransactionPurchase, entries[0].Type)
	require.Equal(t, "admin-1", entries[0].ActorID)
}

func TestIntake_RejectsDuplicateCode(t *testing.T) {
	store := fixtures.NewStore()
	intake := NewIntake(store, fixtures.Cipher(t), clock.NewMockClock(fixtures.Now), quietLogger())
	ctx := context.Background()

	_, err := intake.Add(ctx, intakeRequest("AMZN-1234-5678"))
	require.NoError(t, err)
	_, err = intake.Add(ctx, intakeRequest("amzn-1234-5678"))
	require.ErrorIs(t, err, domain.ErrDuplicateCode)
}

func TestIntake_Validation(t *testing.T) {
	store := fixtures.NewStore()
	intake := NewIntake(store, fixtures.Cipher(t), clock.NewMockClock(fixtures.Now), quietLogger())
	ctx := context.Background()
	past := fixtures.Now.Add(-time.Hour)

	cases := map[string]func(r *domain.IntakeRequest){
		"missing code":         func(r *domain.IntakeRequest) { r.Code = "" },
		"zero face value":      func(r *domain.IntakeRequest) { r.FaceValue = decimal.Zero },
		"price above face":     func(r *domain.IntakeRequest) { r.SellingPrice = decimal.NewFromInt(60) },
		"already expired":      func(r *domain.IntakeRequest) { r.ExpiresAt = &past },
		"missing vendor field": func(r *domain.IntakeRequest) { r.VendorID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := intakeRequest("CODE-" + name)
			mutate(&req)
			_, err := intake.Add(ctx, req)
			require.True(t, domain.IsValidation(err), "expected validation error, got %v", err)
		})
	}

	req := intakeRequest("CODE-unknown-vendor")
	req.VendorID = "vendor-unknown"
	_, err := intake.Add(ctx, req)
	require.ErrorIs(t, err, domain.ErrVendorNotFound)
}

func TestJanitor_ReleasesOnlyStaleReservations(t *testing.T) {
	store := fixtures.NewStore()
	units := fixtures.AddUnits(t, store, fixtures.Cipher(t), 3, decimal.NewFromInt(50))
	ctx := context.Background()

	reserve := func(id string, at time.Time) {
		err := store.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
			return tx.Inventory().Transition(ctx, id, domain.InventoryAvailable, domain.InventoryReserved, at)
		})
		require.NoError(t, err)
	}
	reserve(units[0].ID, fixtures.Now.Add(-time.Hour))
	reserve(units[1].ID, fixtures.Now.Add(-time.Minute))

	janitor := NewJanitor(store, JanitorOptions{
		Logger: quietLogger(),
		Clock:  clock.NewMockClock(fixtures.Now),
		TTL:    15 * time.Minute,
	})
	released, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	require.Equal(t, domain.InventoryAvailable, fixtures.Unit(t, store, units[0].ID).Status)
	require.Equal(t, domain.InventoryReserved, fixtures.Unit(t, store, units[1].ID).Status)

	entries := fixtures.Ledger(t, store, units[0].ID)
	require.Len(t, entries, 1)
	require.Equal(t, domain.TransactionAdjustment, entries[0].Type)
	require.Equal(t, domain.ReasonReservationExpired, entries[0].Reason)

	released, err = janitor.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, released)
}
