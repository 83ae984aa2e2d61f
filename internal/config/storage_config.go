package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type StorageConfig interface {
	GetStorageDir() string
	GetPrimaryFile() string
	GetBackupKind() string
	GetBackupFile() string
	GetSQLitePath() string
	GetPostgresDSN() string
	GetSealKey() ([]byte, error)
	GetWatchStorage() bool
}

const (
	BackupKindFile     = "file"
	BackupKindSQLite   = "sqlite"
	BackupKindPostgres = "postgres"
)

type Storage struct {
	file *FileValues
}

var _ StorageConfig = Storage{}

func (s Storage) GetStorageDir() string {
	if dir := GetEnv("STORAGE_DIR", s.values().Dir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".session-keeper")
}

func (s Storage) GetPrimaryFile() string {
	return filepath.Join(s.GetStorageDir(), "session.json")
}

// GetBackupKind selects the second storage slot: file (default), sqlite or postgres.
func (s Storage) GetBackupKind() string {
	return GetEnv("STORAGE_BACKUP", firstNonEmpty(s.values().BackupKind, BackupKindFile))
}

func (s Storage) GetBackupFile() string {
	return filepath.Join(s.GetStorageDir(), "session.backup.json")
}

func (s Storage) GetSQLitePath() string {
	return GetEnv("STORAGE_SQLITE_PATH", firstNonEmpty(s.values().SQLitePath, filepath.Join(s.GetStorageDir(), "session.db")))
}

func (s Storage) GetPostgresDSN() string {
	return GetEnv("STORAGE_POSTGRES_DSN", s.values().PostgresDSN)
}

// GetSealKey returns the 32 byte at-rest sealing key, or nil when sealing is disabled.
func (s Storage) GetSealKey() ([]byte, error) {
	raw := GetEnv("STORAGE_SEAL_KEY", s.values().SealKey)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("STORAGE_SEAL_KEY is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("STORAGE_SEAL_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (s Storage) GetWatchStorage() bool {
	if v := os.Getenv("STORAGE_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	if s.values().Watch != nil {
		return *s.values().Watch
	}
	return true
}

func (s Storage) values() StorageFile {
	if s.file == nil {
		return StorageFile{}
	}
	return s.file.Storage
}
