package payment

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// MockGateway — конфигурируемая заглушка платёжного шлюза.
type MockGateway struct {
	mu sync.Mutex

	Status domain.ChargeStatus
	Err    error
	// Delay имитирует медленный шлюз; прерывается контекстом.
	Delay time.Duration

	calls       int
	lastRequest domain.ChargeRequest
}

// NewMockGateway возвращает mock, подтверждающий любой платёж.
func NewMockGateway() *MockGateway {
	return &MockGateway{Status: domain.ChargeConfirmed}
}

// Charge возвращает заранее настроенный результат и считает вызовы.
func (m *MockGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	m.mu.Lock()
	m.calls++
	m.lastRequest = req
	status, err, delay := m.Status, m.Err, m.Delay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.ChargeResult{}, errors.Wrap(ctx.Err(), "mock gateway")
		case <-timer.C:
		}
	}
	if err != nil {
		return domain.ChargeResult{}, err
	}

	result := domain.ChargeResult{
		ReferenceID: "pi_" + uuid.NewString(),
		Status:      status,
		Currency:    req.Currency,
	}
	if status == domain.ChargeConfirmed {
		result.CapturedAmount = req.Amount
	}
	return result, nil
}

// Set меняет сценарий mock между вызовами.
func (m *MockGateway) Set(status domain.ChargeStatus, err error) {
	m.mu.Lock()
	m.Status = status
	m.Err = err
	m.mu.Unlock()
}

// SetDelay задаёт задержку ответа.
func (m *MockGateway) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.Delay = d
	m.mu.Unlock()
}

// Calls возвращает число вызовов Charge.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest возвращает параметры последнего списания.
func (m *MockGateway) LastRequest() domain.ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
