package saga

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// RetryConfig конфигурация повторов компенсирующих шагов.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Do выполняет fn с экспоненциальной паузой, пока она не вернёт nil,
// не кончатся попытки или ошибка не окажется неповторяемой.
func (c RetryConfig) Do(ctx context.Context, fn func() error) error {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !shouldRetry(lastErr) || attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.WithSecondaryError(ctx.Err(), lastErr)
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * c.BackoffFactor)
		if c.MaxDelay > 0 && delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return lastErr
}

// shouldRetry отсекает ошибки, которые не исправятся повтором.
func shouldRetry(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInventoryConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrScheduleNotFound),
		domain.IsValidation(err):
		return false
	default:
		return true
	}
}
