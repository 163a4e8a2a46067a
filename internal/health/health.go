// Package health отдаёт HTTP-пробы liveness/readiness и сводку по зависимостям.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse возвращает более тяжёлый из двух статусов.
func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Failing возвращает имена unhealthy-проверок по алфавиту.
func (r Response) Failing() []string {
	var out []string
	for _, name := range slices.Sorted(maps.Keys(r.Checks)) {
		if r.Checks[name].Status == StatusUnhealthy {
			out = append(out, name)
		}
	}
	return out
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler собирает проверки и отвечает на HTTP-пробы.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	version string
	started time.Time
	timeout time.Duration
	now     func() time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
		now:      time.Now,
	}
}

func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Run выполняет все проверки параллельно, каждую со своим таймаутом.
// Медленная зависимость не задерживает ответ дольше timeout.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	checkers := maps.Clone(h.checkers)
	h.mu.RUnlock()

	names := slices.Sorted(maps.Keys(checkers))
	results := make([]Check, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results[i] = checkers[name].Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := Response{
		Status:        StatusHealthy,
		Timestamp:     h.now().UTC(),
		Checks:        make(map[string]Check, len(names)),
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
	for i, name := range names {
		resp.Checks[name] = results[i]
		resp.Status = worse(resp.Status, results[i].Status)
	}
	return resp
}

// Watch периодически прогоняет проверки и вызывает onChange при смене общего статуса,
// в том числе сразу после первого прогона.
func (h *Handler) Watch(ctx context.Context, interval time.Duration, onChange func(Response)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Status
	for {
		if resp := h.Run(ctx); resp.Status != last && ctx.Err() == nil {
			last = resp.Status
			onChange(resp)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ServeHTTP отдаёт полную сводку; 503 при любой unhealthy-проверке.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(resp.Status))
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler отвечает 503 и списком упавших проверок, пока хоть одна зависимость недоступна.
// degraded (например, копятся failed-задачи) готовность не снимает.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())
	w.WriteHeader(httpStatus(resp.Status))
	if resp.Status == StatusUnhealthy {
		_, _ = w.Write([]byte("not ready: " + strings.Join(resp.Failing(), ",")))
		return
	}
	_, _ = w.Write([]byte("ready"))
}

func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// timed замеряет проверку и заполняет имя и длительность.
func timed(name string, fn func() (Status, string)) Check {
	start := time.Now()
	status, message := fn()
	return Check{
		Name:       name,
		Status:     status,
		Message:    message,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// PingChecker — проверка через Ping(ctx) error: пул Postgres, клиент Redis.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	return timed(c.name, func() (Status, string) {
		if err := c.ping(ctx); err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, ""
	})
}

// QueueStatsSource отдаёт статистику очереди доставки.
type QueueStatsSource interface {
	QueueStats(ctx context.Context) (domain.QueueStats, error)
}

// QueueChecker переводит оценку очереди в статус health.
// Накопление failed-задач не делает сервис неготовым, поэтому warning и critical дают degraded.
type QueueChecker struct {
	source QueueStatsSource
}

func NewQueueChecker(source QueueStatsSource) *QueueChecker {
	return &QueueChecker{source: source}
}

func (c *QueueChecker) Check(ctx context.Context) Check {
	return timed("delivery_queue", func() (Status, string) {
		stats, err := c.source.QueueStats(ctx)
		switch {
		case err != nil:
			return StatusUnhealthy, err.Error()
		case stats.Health != domain.HealthHealthy:
			return StatusDegraded, string(stats.Health)
		default:
			return StatusHealthy, ""
		}
	})
}
