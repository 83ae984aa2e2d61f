package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	portEnvVar     = "PORT"
	appNameVar     = "APP_NAME"
	envVar         = "ENV"
	logLevelEnvVar = "LOG_LEVEL"
)

type EnvVars struct {
	file *FileValues
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := GetEnv(portEnvVar, e.fileValues().App.Port)
	if port == "" {
		port = "7878"
	}
	if port[0] != ':' {
		port = fmt.Sprintf("127.0.0.1:%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return GetEnv(appNameVar, firstNonEmpty(e.fileValues().App.Name, "Session Keeper"))
}

func (e EnvVars) GetEnv() string {
	return GetEnv(envVar, firstNonEmpty(e.fileValues().App.Env, "DEV"))
}

func (e EnvVars) GetLogLevel() string {
	return GetEnv(logLevelEnvVar, firstNonEmpty(e.fileValues().App.LogLevel, "info"))
}

func (e EnvVars) fileValues() *FileValues {
	if e.file == nil {
		return &FileValues{}
	}
	return e.file
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetDurationEnv resolves a duration from the environment, then the file value,
// then the default. Unparseable environment values are ignored.
func GetDurationEnv(envVar string, fileValue Duration, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envVar); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	if fileValue.Duration > 0 {
		return fileValue.Duration
	}
	return defaultValue
}

func GetIntEnv(envVar string, fileValue int, defaultValue int) int {
	if value := os.Getenv(envVar); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	if fileValue > 0 {
		return fileValue
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
