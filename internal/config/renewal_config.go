package config

import "time"

type RenewalConfig interface {
	GetRenewalThreshold() time.Duration
	GetMaxRetries() int
	GetBreakerCooldown() time.Duration
	GetRateLimitInterval() time.Duration
	GetBackoffBase() time.Duration
	GetRefreshTimeout() time.Duration
	GetGracePeriod() time.Duration
	GetAutoRenewInterval() time.Duration
	GetHeartbeatInterval() time.Duration
	GetSuspensionThreshold() time.Duration
	GetSuspensionRecovery() time.Duration
	GetConsistencyInterval() time.Duration
}

type Renewal struct {
	file *FileValues
}

var _ RenewalConfig = Renewal{}

// GetRenewalThreshold is the lead time before expiry at which a background renewal starts.
func (r Renewal) GetRenewalThreshold() time.Duration {
	return GetDurationEnv("SESSION_RENEWAL_THRESHOLD", r.values().Threshold, 5*time.Minute)
}

// GetMaxRetries is the number of consecutive failed renewals that opens the circuit breaker.
func (r Renewal) GetMaxRetries() int {
	return GetIntEnv("SESSION_MAX_RETRIES", r.values().MaxRetries, 3)
}

func (r Renewal) GetBreakerCooldown() time.Duration {
	return GetDurationEnv("SESSION_BREAKER_COOLDOWN", r.values().BreakerCooldown, 5*time.Minute)
}

func (r Renewal) GetRateLimitInterval() time.Duration {
	return GetDurationEnv("SESSION_RATE_LIMIT_INTERVAL", r.values().RateLimitInterval, time.Second)
}

func (r Renewal) GetBackoffBase() time.Duration {
	return GetDurationEnv("SESSION_BACKOFF_BASE", r.values().BackoffBase, time.Second)
}

func (r Renewal) GetRefreshTimeout() time.Duration {
	return GetDurationEnv("SESSION_REFRESH_TIMEOUT", r.values().RefreshTimeout, 5*time.Second)
}

// GetGracePeriod is how long past nominal expiry a token is still honoured after a suspension.
func (r Renewal) GetGracePeriod() time.Duration {
	return GetDurationEnv("SESSION_GRACE_PERIOD", r.values().GracePeriod, 5*time.Minute)
}

func (r Renewal) GetAutoRenewInterval() time.Duration {
	return GetDurationEnv("SESSION_AUTO_RENEW_INTERVAL", r.values().AutoRenewInterval, time.Minute)
}

func (r Renewal) GetHeartbeatInterval() time.Duration {
	return GetDurationEnv("SESSION_HEARTBEAT_INTERVAL", r.values().HeartbeatInterval, 5*time.Second)
}

func (r Renewal) GetSuspensionThreshold() time.Duration {
	return GetDurationEnv("SESSION_SUSPENSION_THRESHOLD", r.values().SuspensionThreshold, 30*time.Second)
}

func (r Renewal) GetSuspensionRecovery() time.Duration {
	return GetDurationEnv("SESSION_SUSPENSION_RECOVERY", r.values().SuspensionRecovery, 10*time.Second)
}

func (r Renewal) GetConsistencyInterval() time.Duration {
	return GetDurationEnv("SESSION_CONSISTENCY_INTERVAL", r.values().ConsistencyInterval, 30*time.Second)
}

func (r Renewal) values() RenewalFile {
	if r.file == nil {
		return RenewalFile{}
	}
	return r.file.Renewal
}
