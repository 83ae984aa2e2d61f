package lifecycle

import (
	"time"

	"github.com/jrsteele09/go-auth-session/internal/config"
)

const DefaultBackoffMax = 30 * time.Second

// Settings tunes renewal timing and the guards around it.
type Settings struct {
	// RenewalThreshold is the lead time before expiry at which a background
	// renewal starts.
	RenewalThreshold time.Duration
	// MaxRetries consecutive failed renewals open the circuit breaker.
	MaxRetries        int
	BreakerCooldown   time.Duration
	RateLimitInterval time.Duration
	// BackoffBase is doubled on every retry after the first, up to BackoffMax.
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RefreshTimeout time.Duration
	// GracePeriod is honoured past nominal expiry while suspension is suspected
	// or the host is backgrounded.
	GracePeriod time.Duration
	// AutoRenewInterval is how often the background loop checks whether a renewal
	// is due. Zero disables the loop.
	AutoRenewInterval time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		RenewalThreshold:  5 * time.Minute,
		MaxRetries:        3,
		BreakerCooldown:   5 * time.Minute,
		RateLimitInterval: time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        DefaultBackoffMax,
		RefreshTimeout:    5 * time.Second,
		GracePeriod:       5 * time.Minute,
		AutoRenewInterval: time.Minute,
	}
}

// SettingsFromConfig builds Settings from the renewal config.
func SettingsFromConfig(cfg config.RenewalConfig) Settings {
	return Settings{
		RenewalThreshold:  cfg.GetRenewalThreshold(),
		MaxRetries:        cfg.GetMaxRetries(),
		BreakerCooldown:   cfg.GetBreakerCooldown(),
		RateLimitInterval: cfg.GetRateLimitInterval(),
		BackoffBase:       cfg.GetBackoffBase(),
		BackoffMax:        DefaultBackoffMax,
		RefreshTimeout:    cfg.GetRefreshTimeout(),
		GracePeriod:       cfg.GetGracePeriod(),
		AutoRenewInterval: cfg.GetAutoRenewInterval(),
	}
}

// backoff returns the wait before the given attempt: nothing for the first,
// then base * 2^(attempt-1).
func (s Settings) backoff(attempt int) time.Duration {
	if attempt <= 1 || s.BackoffBase <= 0 {
		return 0
	}
	d := s.BackoffBase << (attempt - 1)
	if d <= 0 || (s.BackoffMax > 0 && d > s.BackoffMax) {
		return s.BackoffMax
	}
	return d
}
