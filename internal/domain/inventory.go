package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryStatus описывает жизненный цикл единицы товара.
type InventoryStatus string

const (
	// InventoryAvailable — единица в продаже.
	InventoryAvailable InventoryStatus = "AVAILABLE"
	// InventoryReserved — единица удерживается запросом до решения по оплате.
	InventoryReserved InventoryStatus = "RESERVED"
	// InventoryUsed — единица продана.
	InventoryUsed InventoryStatus = "USED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s InventoryStatus) Valid() bool {
	switch s {
	case InventoryAvailable, InventoryReserved, InventoryUsed:
		return true
	default:
		return false
	}
}

// CanTransition возвращает true для рёбер state machine:
// AVAILABLE -> RESERVED -> USED и откат RESERVED -> AVAILABLE.
func CanTransition(from, to InventoryStatus) bool {
	switch from {
	case InventoryAvailable:
		return to == InventoryReserved
	case InventoryReserved:
		return to == InventoryUsed || to == InventoryAvailable
	default:
		return false
	}
}

// CanRestock разрешает возврат проданной единицы в продажу.
// Используется только при отмене ещё не доставленного расписания.
func CanRestock(from InventoryStatus) bool {
	return from == InventoryUsed
}

// InventoryUnit — единица подарочной карты с зашифрованным кодом.
type InventoryUnit struct {
	ID            string
	VendorID      string
	FaceValue     decimal.Decimal
	SellingPrice  decimal.Decimal
	EncryptedCode []byte
	CodeHash      string
	Status        InventoryStatus
	ExpiresAt     *time.Time
	ReservedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Sellable сообщает, можно ли продать единицу в момент now.
func (u InventoryUnit) Sellable(now time.Time) bool {
	if u.Status != InventoryAvailable {
		return false
	}
	return u.ExpiresAt == nil || u.ExpiresAt.After(now)
}

// Validate проверяет обязательные поля единицы перед приёмкой.
func (u *InventoryUnit) Validate() []error {
	var errs []error

	if u.VendorID == "" {
		errs = append(errs, NewValidationError("vendor_id", "is required"))
	}
	if !u.FaceValue.IsPositive() {
		errs = append(errs, NewValidationError("face_value", ErrAmountInvalid.Error()))
	}
	if !u.SellingPrice.IsPositive() {
		errs = append(errs, NewValidationError("selling_price", ErrAmountInvalid.Error()))
	}
	if len(u.EncryptedCode) == 0 || u.CodeHash == "" {
		errs = append(errs, NewValidationError("code", "is required"))
	}

	return errs
}

// LessForSale задаёт порядок выбора: раньше истекающие первыми, без срока в конце, затем FIFO.
func LessForSale(a, b InventoryUnit) bool {
	switch {
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// StockLevel — уровень остатков для уведомлений.
type StockLevel string

const (
	StockCritical StockLevel = "inventory_critical"
	StockLow      StockLevel = "inventory_low"
	StockWarning  StockLevel = "inventory_warning"
	StockOK       StockLevel = ""
)

// LevelFor вычисляет уровень остатков: <=2 критично, <=5 мало, <=10 предупреждение.
func LevelFor(remaining int) StockLevel {
	switch {
	case remaining <= 2:
		return StockCritical
	case remaining <= 5:
		return StockLow
	case remaining <= 10:
		return StockWarning
	default:
		return StockOK
	}
}

// IntakeRequest — приёмка новой единицы на склад.
type IntakeRequest struct {
	VendorID     string          `json:"vendor_id" validate:"required,max=64"`
	FaceValue    decimal.Decimal `json:"face_value"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Code         string          `json:"code" validate:"required,min=4,max=128"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	ActorID      string          `json:"actor_id,omitempty" validate:"max=64"`
}

// Validate проверяет запрос приёмки. Цена продажи не может превышать номинал.
func (r *IntakeRequest) Validate(now time.Time) error {
	if err := validate.Struct(r); err != nil {
		return validationFromValidator(err)
	}
	if !r.FaceValue.IsPositive() {
		return NewValidationError("face_value", ErrAmountInvalid.Error())
	}
	if !r.SellingPrice.IsPositive() || r.SellingPrice.GreaterThan(r.FaceValue) {
		return NewValidationError("selling_price", "must be positive and not above face value")
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return NewValidationError("expires_at", "must be in the future")
	}
	return nil
}
