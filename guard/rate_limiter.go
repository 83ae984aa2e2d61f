package guard

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum spacing between renewal attempts, whoever
// triggers them.
type RateLimiter struct {
	clock    clock.Clock
	interval time.Duration
	mu       sync.Mutex
	limiter  *rate.Limiter
	refused  int
}

// NewRateLimiter allows one attempt per interval. A nil clock uses the wall clock.
func NewRateLimiter(interval time.Duration, c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.New()
	}
	return &RateLimiter{
		clock:    c,
		interval: interval,
		limiter:  newLimiter(interval),
	}
}

func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// CanProceed consumes the single token if one is available.
func (r *RateLimiter) CanProceed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limiter.AllowN(r.clock.Now(), 1) {
		return true
	}
	r.refused++
	return false
}

// Reset forgets previous attempts so the next call proceeds.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = newLimiter(r.interval)
}

// Refused counts attempts turned away.
func (r *RateLimiter) Refused() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refused
}
