package payment

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// ErrCircuitOpen возвращается, пока breaker не пропускает вызовы к шлюзу.
// Для оркестратора это обычная неудача оплаты: резерв снимается, деньги не списаны.
var ErrCircuitOpen = errors.New("payment circuit breaker is open")

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig — порог подряд идущих сбоев и пауза до пробного вызова.
type BreakerConfig struct {
	MaxFailures int
	Cooldown    time.Duration
	Clock       clock.Clock
	Logger      *log.Entry
}

// CircuitBreaker размыкается после MaxFailures сбоев транспорта подряд. После Cooldown
// пропускает ровно один пробный вызов; остальные получают ErrCircuitOpen до его исхода.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New().WithField("component", "payment-breaker")
	}
	return &CircuitBreaker{cfg: cfg}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute вызывает fn, если цепь замкнута или настало время пробы.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if err := cb.admit(operation); err != nil {
		return err
	}
	err := fn(ctx)
	cb.settle(ctx, operation, err)
	return err
}

func (cb *CircuitBreaker) admit(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.cfg.Clock.Now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		cb.cfg.Logger.WithField("operation", operation).Info("payment breaker half-open, probing gateway")
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) settle(ctx context.Context, operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.state == CircuitHalfOpen
	cb.probing = false

	switch {
	case err == nil:
		if wasProbe {
			cb.cfg.Logger.WithField("operation", operation).Info("payment breaker closed")
		}
		cb.state = CircuitClosed
		cb.failures = 0
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Клиент ушёл сам; шлюз тут ни при чём. Неудавшаяся проба повторится следующим вызовом.
	default:
		cb.failures++
		if wasProbe || cb.failures >= cb.cfg.MaxFailures {
			cb.state = CircuitOpen
			cb.openedAt = cb.cfg.Clock.Now()
			cb.cfg.Logger.WithError(err).WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("payment breaker opened")
		}
	}
}

// GuardedGateway пропускает вызовы шлюза через circuit breaker. Отказ шлюза
// (failed, requires_action) сбоем не считается: breaker реагирует только на ошибки транспорта.
type GuardedGateway struct {
	next    domain.PaymentGateway
	breaker *CircuitBreaker
}

func NewGuardedGateway(next domain.PaymentGateway, breaker *CircuitBreaker) *GuardedGateway {
	return &GuardedGateway{next: next, breaker: breaker}
}

func (g *GuardedGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	var result domain.ChargeResult
	err := g.breaker.Execute(ctx, "charge", func(ctx context.Context) error {
		var err error
		result, err = g.next.Charge(ctx, req)
		return err
	})
	return result, err
}

var _ domain.PaymentGateway = (*GuardedGateway)(nil)
