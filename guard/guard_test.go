package guard_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/guard"
	"github.com/jrsteele09/go-auth-session/internal/clock/clockfake"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCircuitBreaker(t *testing.T) {
	t.Run("blocks until cooldown elapses", func(t *testing.T) {
		clk := clockfake.NewFakeClock(testNow)
		var activatedUntil time.Time
		b := guard.NewCircuitBreaker(
			guard.WithBreakerClock(clk),
			guard.WithActivationHook(func(until time.Time) { activatedUntil = until }),
		)
		require.False(t, b.IsBlocked())

		b.Activate(5 * time.Minute)
		require.True(t, b.IsBlocked())
		require.Equal(t, testNow.Add(5*time.Minute), activatedUntil)
		require.Equal(t, testNow.Add(5*time.Minute), b.BlockedUntil())
		require.Equal(t, 1, b.Activations())

		clk.Advance(5*time.Minute - time.Second)
		require.True(t, b.IsBlocked())

		clk.Advance(time.Second)
		require.False(t, b.IsBlocked())
		require.True(t, b.BlockedUntil().IsZero())
	})

	t.Run("reset clears block but keeps counters", func(t *testing.T) {
		clk := clockfake.NewFakeClock(testNow)
		blocks := 0
		b := guard.NewCircuitBreaker(guard.WithBreakerClock(clk), guard.WithBlockHook(func() { blocks++ }))
		b.Activate(time.Hour)
		b.RecordBlock()
		b.RecordBlock()
		b.Reset()

		require.False(t, b.IsBlocked())
		require.Equal(t, 1, b.Activations())
		require.Equal(t, 2, b.Blocks())
		require.Equal(t, 2, blocks)
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("enforces minimum spacing", func(t *testing.T) {
		clk := clockfake.NewFakeClock(testNow)
		r := guard.NewRateLimiter(time.Second, clk)

		require.True(t, r.CanProceed())
		require.False(t, r.CanProceed())

		clk.Advance(500 * time.Millisecond)
		require.False(t, r.CanProceed())

		clk.Advance(500 * time.Millisecond)
		require.True(t, r.CanProceed())
		require.Equal(t, 2, r.Refused())
	})

	t.Run("idle time does not build a burst", func(t *testing.T) {
		clk := clockfake.NewFakeClock(testNow)
		r := guard.NewRateLimiter(time.Second, clk)
		clk.Advance(time.Minute)

		require.True(t, r.CanProceed())
		require.False(t, r.CanProceed())
	})

	t.Run("reset allows the next attempt", func(t *testing.T) {
		clk := clockfake.NewFakeClock(testNow)
		r := guard.NewRateLimiter(time.Second, clk)
		require.True(t, r.CanProceed())
		r.Reset()
		require.True(t, r.CanProceed())
	})

	t.Run("zero interval never refuses", func(t *testing.T) {
		r := guard.NewRateLimiter(0, clockfake.NewFakeClock(testNow))
		for i := 0; i < 5; i++ {
			require.True(t, r.CanProceed())
		}
	})
}
