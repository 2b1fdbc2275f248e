// Package timeutil lets the scan deadlines (recommendation waits, stage
// settle timeouts, simulated motion) run against a fake clock in tests.
package timeutil

import (
	"context"
	"sync"
	"time"
)

// Clock is the subset of the time package the scan code uses.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)

	// NewTimer creates a Timer that delivers the current time on its
	// channel after at least d.
	NewTimer(d time.Duration) Timer
}

// Timer is a single deadline.
type Timer interface {
	C() <-chan time.Time
	// Stop reports whether the timer was still pending.
	Stop() bool
}

// Wait blocks for d of clock time. It returns ctx.Err() if ctx ends first.
func Wait(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (RealClock) Sleep(d time.Duration)           { time.Sleep(d) }

// NewTimer wraps time.NewTimer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// MockClock only moves when Advance or Set is called. Sleep returns at once
// and advances the clock by the slept duration, so simulated motion shows up
// in timestamps without slowing tests down.
type MockClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	sleeps  []time.Duration
	pending []*mockTimer
	auto    bool
}

// NewMockClock returns a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	c := &MockClock{now: t}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the mocked time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since is Now().Sub(t).
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set jumps to t and fires every timer due by then.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.fireLocked()
	c.mu.Unlock()
}

// Advance moves the clock forward by d and fires every timer due by then.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.fireLocked()
	c.mu.Unlock()
}

// Sleep records d and advances the clock by it.
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.fireLocked()
	c.mu.Unlock()
}

// AutoAdvance makes every later timer fire as soon as it is created: the
// clock jumps to its deadline and the duration is recorded in Sleeps.
func (c *MockClock) AutoAdvance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto = true
}

// Sleeps returns every duration passed to Sleep or auto-advanced, in order.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// NewTimer registers a timer due d from the current mocked time. A
// non-positive d fires immediately.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{clock: c, ch: make(chan time.Time, 1), deadline: c.now.Add(d)}
	if d <= 0 {
		t.ch <- c.now
		return t
	}
	c.pending = append(c.pending, t)
	c.cond.Broadcast()
	if c.auto {
		c.sleeps = append(c.sleeps, d)
		c.now = t.deadline
		c.fireLocked()
	}
	return t
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// BlockUntil waits until at least n timers are pending. Tests use it to
// advance the clock only after the code under test has armed its deadline.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.cond.Wait()
	}
}

func (c *MockClock) fireLocked() {
	kept := c.pending[:0]
	for _, t := range c.pending {
		if c.now.Before(t.deadline) {
			kept = append(kept, t)
			continue
		}
		t.ch <- c.now
	}
	for i := len(kept); i < len(c.pending); i++ {
		c.pending[i] = nil
	}
	c.pending = kept
}

func (c *MockClock) stop(t *mockTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

type mockTimer struct {
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }
func (t *mockTimer) Stop() bool          { return t.clock.stop(t) }
