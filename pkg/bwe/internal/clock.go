// Package internal provides internal utilities for the bwe packages.
package internal

import (
	"sync"
	"time"
)

// Clock yields a monotonic millisecond time base.
// The estimator core never reads a clock; adapters that feed it do.
type Clock interface {
	// NowMs returns milliseconds on a monotonic time line. Only differences
	// are meaningful.
	NowMs() int64
}

// MonotonicClock measures milliseconds elapsed since its creation using the
// runtime monotonic clock, so wall-clock adjustments never reach the
// estimator.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a clock whose zero is now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// NowMs returns the elapsed milliseconds since the clock was created.
func (c *MonotonicClock) NowMs() int64 {
	return time.Since(c.start).Milliseconds()
}

// MockClock is a Clock implementation for testing that allows manual control
// of time progression. It is safe for concurrent use.
type MockClock struct {
	mu  sync.Mutex
	now int64
}

// NewMockClock creates a MockClock reading startMs.
func NewMockClock(startMs int64) *MockClock {
	return &MockClock{now: startMs}
}

// NowMs returns the mock clock's current time.
func (m *MockClock) NowMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by ms milliseconds.
// Panics if ms is negative to maintain monotonicity.
func (m *MockClock) Advance(ms int64) {
	if ms < 0 {
		panic("MockClock.Advance: duration must be non-negative")
	}
	m.mu.Lock()
	m.now += ms
	m.mu.Unlock()
}

// Set jumps the clock to ms. Unlike Advance it may move backwards, which
// tests use to simulate receiver clock corrections.
func (m *MockClock) Set(ms int64) {
	m.mu.Lock()
	m.now = ms
	m.mu.Unlock()
}
