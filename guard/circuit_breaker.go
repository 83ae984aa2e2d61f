// Package guard holds the cheap checks that run before a renewal is allowed to
// reach the identity backend.
package guard

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
)

// CircuitBreaker stops renewal entirely for a cooldown after repeated failures.
type CircuitBreaker struct {
	clock        clock.Clock
	mu           sync.Mutex
	blocked      bool
	blockedUntil time.Time
	activations  int
	blocks       int
	onActivate   func(until time.Time)
	onBlock      func()
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the wall clock.
func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(b *CircuitBreaker) {
		b.clock = c
	}
}

// WithActivationHook is called after every activation, outside the breaker lock.
func WithActivationHook(f func(until time.Time)) BreakerOption {
	return func(b *CircuitBreaker) {
		b.onActivate = f
	}
}

// WithBlockHook is called after every refused attempt counted by RecordBlock.
func WithBlockHook(f func()) BreakerOption {
	return func(b *CircuitBreaker) {
		b.onBlock = f
	}
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{clock: clock.New()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IsBlocked reports whether the cooldown is still running. An elapsed cooldown
// clears the block.
func (b *CircuitBreaker) IsBlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.blocked {
		return false
	}
	if b.clock.Now().Before(b.blockedUntil) {
		return true
	}
	b.blocked = false
	b.blockedUntil = time.Time{}
	return false
}

// Activate opens the breaker for cooldown.
func (b *CircuitBreaker) Activate(cooldown time.Duration) {
	b.mu.Lock()
	b.blocked = true
	b.blockedUntil = b.clock.Now().Add(cooldown)
	b.activations++
	until := b.blockedUntil
	b.mu.Unlock()

	if b.onActivate != nil {
		b.onActivate(until)
	}
}

// Reset clears the block. Counters are kept.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = false
	b.blockedUntil = time.Time{}
}

// RecordBlock counts an attempt refused while blocked.
func (b *CircuitBreaker) RecordBlock() {
	b.mu.Lock()
	b.blocks++
	b.mu.Unlock()

	if b.onBlock != nil {
		b.onBlock()
	}
}

// BlockedUntil returns the end of the current cooldown, or the zero time.
func (b *CircuitBreaker) BlockedUntil() time.Time {
	if !b.IsBlocked() {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockedUntil
}

// Activations counts how often the breaker has opened.
func (b *CircuitBreaker) Activations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activations
}

// Blocks counts attempts refused while open.
func (b *CircuitBreaker) Blocks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocks
}
