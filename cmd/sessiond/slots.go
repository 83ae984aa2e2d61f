package main

import (
	"context"
	"fmt"

	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/sessions/filestore"
	"github.com/jrsteele09/go-auth-session/sessions/pgstore"
	"github.com/jrsteele09/go-auth-session/sessions/sqlitestore"
	"github.com/rs/zerolog/log"
)

// buildSlots returns the primary file slot followed by the configured backup,
// both sealed when a key is configured, and a func that releases them.
func buildSlots(ctx context.Context, c config.StorageConfig) ([]sessions.Slot, func(), error) {
	closeSlots := func() {}

	primary, err := filestore.New("primary", c.GetPrimaryFile())
	if err != nil {
		return nil, closeSlots, err
	}

	var backup sessions.Slot
	switch kind := c.GetBackupKind(); kind {
	case config.BackupKindFile:
		backup, err = filestore.New("backup", c.GetBackupFile())
		if err != nil {
			return nil, closeSlots, err
		}
	case config.BackupKindSQLite:
		db, err := sqlitestore.Open(ctx, c.GetSQLitePath())
		if err != nil {
			return nil, closeSlots, err
		}
		closeSlots = func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close sqlite session store")
			}
		}
		backup = db.Slot("backup")
	case config.BackupKindPostgres:
		db, err := pgstore.Open(ctx, c.GetPostgresDSN())
		if err != nil {
			return nil, closeSlots, err
		}
		closeSlots = db.Close
		backup = db.Slot("backup")
	default:
		return nil, closeSlots, fmt.Errorf("unknown backup kind %q", kind)
	}

	slots := []sessions.Slot{primary, backup}
	key, err := c.GetSealKey()
	if err != nil {
		closeSlots()
		return nil, func() {}, err
	}
	if key == nil {
		return slots, closeSlots, nil
	}
	for i, slot := range slots {
		sealed, err := sessions.NewSealedSlot(slot, key)
		if err != nil {
			closeSlots()
			return nil, func() {}, err
		}
		slots[i] = sealed
	}
	log.Info().Msg("Session slots sealed at rest")
	return slots, closeSlots, nil
}
