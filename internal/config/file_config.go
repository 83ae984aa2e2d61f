package config

import "time"

// FileValues mirrors the TOML config file. Every field is optional; zero values
// fall through to the built-in defaults.
type FileValues struct {
	App      AppFile      `toml:"app"`
	Renewal  RenewalFile  `toml:"renewal"`
	Storage  StorageFile  `toml:"storage"`
	Identity IdentityFile `toml:"identity"`
}

type AppFile struct {
	Name     string `toml:"name"`
	Port     string `toml:"port"`
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
}

type RenewalFile struct {
	Threshold           Duration `toml:"threshold"`
	MaxRetries          int      `toml:"max_retries" validate:"gte=0"`
	BreakerCooldown     Duration `toml:"breaker_cooldown"`
	RateLimitInterval   Duration `toml:"rate_limit_interval"`
	BackoffBase         Duration `toml:"backoff_base"`
	RefreshTimeout      Duration `toml:"refresh_timeout"`
	GracePeriod         Duration `toml:"grace_period"`
	AutoRenewInterval   Duration `toml:"auto_renew_interval"`
	HeartbeatInterval   Duration `toml:"heartbeat_interval"`
	SuspensionThreshold Duration `toml:"suspension_threshold"`
	SuspensionRecovery  Duration `toml:"suspension_recovery"`
	ConsistencyInterval Duration `toml:"consistency_interval"`
}

type StorageFile struct {
	Dir         string `toml:"dir"`
	BackupKind  string `toml:"backup" validate:"omitempty,oneof=file sqlite postgres"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
	SealKey     string `toml:"seal_key" validate:"omitempty,hexadecimal,len=64"`
	Watch       *bool  `toml:"watch"`
}

type IdentityFile struct {
	BaseURL      string   `toml:"base_url" validate:"omitempty,url"`
	RefreshPath  string   `toml:"refresh_path"`
	OIDCIssuer   string   `toml:"oidc_issuer" validate:"omitempty,url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes"`
}

// Duration decodes Go duration strings ("5m", "30s") from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
