// Package inventory отвечает за приёмку единиц на склад и возврат зависших резервов.
package inventory

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// Intake заводит новые единицы: шифрует код, проверяет дубликат по хэшу и пишет PURCHASE в журнал.
type Intake struct {
	uow    domain.UnitOfWork
	cipher domain.CodeCipher
	clock  clock.Clock
	logger *log.Entry
}

// NewIntake создаёт сервис приёмки.
func NewIntake(uow domain.UnitOfWork, cipher domain.CodeCipher, clk clock.Clock, logger *log.Entry) *Intake {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if logger == nil {
		logger = log.WithField("component", "inventory-intake")
	}
	return &Intake{uow: uow, cipher: cipher, clock: clk, logger: logger}
}

// Add принимает единицу и возвращает её без открытого кода.
func (s *Intake) Add(ctx context.Context, req domain.IntakeRequest) (domain.InventoryUnit, error) {
	now := s.clock.Now()
	req.Code = strings.TrimSpace(req.Code)
	if err := req.Validate(now); err != nil {
		return domain.InventoryUnit{}, err
	}

	sealed, err := s.cipher.Encrypt(req.Code)
	if err != nil {
		return domain.InventoryUnit{}, errors.Wrap(err, "encrypt gift code")
	}
	unit := domain.InventoryUnit{
		ID:            uuid.NewString(),
		VendorID:      req.VendorID,
		FaceValue:     req.FaceValue,
		SellingPrice:  req.SellingPrice,
		EncryptedCode: sealed,
		CodeHash:      s.cipher.Hash(req.Code),
		Status:        domain.InventoryAvailable,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.Directory().Vendor(ctx, req.VendorID); err != nil {
			return err
		}
		if err := tx.Inventory().Create(ctx, unit); err != nil {
			return err
		}
		return tx.Ledger().Append(ctx, domain.InventoryTransaction{
			ID:         uuid.NewString(),
			UnitID:     unit.ID,
			Type:       domain.TransactionPurchase,
			ToStatus:   domain.InventoryAvailable,
			ActorID:    req.ActorID,
			OccurredAt: now,
		})
	})
	if err != nil {
		return domain.InventoryUnit{}, errors.Wrap(err, "add inventory")
	}

	s.logger.WithFields(log.Fields{
		"unit_id":    unit.ID,
		"vendor_id":  unit.VendorID,
		"face_value": unit.FaceValue.StringFixed(2),
	}).Info("Inventory unit added")
	return unit, nil
}
