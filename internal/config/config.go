package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

type Config interface {
	EnvConfig
	RenewalConfig
	StorageConfig
	IdentityConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type mainConfig struct {
	EnvVars
	Renewal
	Storage
	Identity
}

// New returns a Config backed by environment variables and built-in defaults.
func New() Config {
	return newMainConfig(&FileValues{})
}

// Load reads a TOML config file and returns a Config where environment variables
// still take precedence over the file, and the file over built-in defaults.
// An empty path behaves like New.
func Load(path string) (Config, error) {
	if path == "" {
		return New(), nil
	}

	fv := &FileValues{}
	if _, err := toml.DecodeFile(path, fv); err != nil {
		return nil, fmt.Errorf("[config Load] failed to decode %s: %w", path, err)
	}

	if err := validator.New().Struct(fv); err != nil {
		return nil, fmt.Errorf("[config Load] invalid config %s: %w", path, err)
	}

	return newMainConfig(fv), nil
}

func newMainConfig(fv *FileValues) mainConfig {
	return mainConfig{
		EnvVars:  EnvVars{file: fv},
		Renewal:  Renewal{file: fv},
		Storage:  Storage{file: fv},
		Identity: Identity{file: fv},
	}
}
