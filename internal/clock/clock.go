package clock

import (
	"sync"
	"time"
)

// Clock отдаёт текущее время; ядро не читает time.Now напрямую.
type Clock interface {
	Now() time.Time
}

// RealClock — системные часы в UTC.
type RealClock struct{}

// NewRealClock создаёт системные часы.
func NewRealClock() Clock {
	return RealClock{}
}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// MockClock — управляемые часы для тестов, безопасны для конкурентного доступа.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMockClock создаёт часы, стоящие на t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set переставляет часы.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Add сдвигает часы вперёд.
func (c *MockClock) Add(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
