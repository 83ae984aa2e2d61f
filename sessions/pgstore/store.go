// Package pgstore keeps session snapshots in Postgres so agents on several hosts
// can share one session copy.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_slots (
	name       text PRIMARY KEY,
	data       bytea NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// DB is a Postgres connection pool holding session slots.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and creates the slot table if needed.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("[pgstore Open] failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("[pgstore Open] ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("[pgstore Open] failed to create schema: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (d *DB) Close() {
	d.pool.Close()
}

// Slot returns the slot stored under name.
func (d *DB) Slot(name string) *Slot {
	return &Slot{name: name, pool: d.pool}
}

// Slot is one session row.
type Slot struct {
	name string
	pool *pgxpool.Pool
}

var _ sessions.Slot = (*Slot)(nil)

func (s *Slot) Name() string {
	return s.name
}

func (s *Slot) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM session_slots WHERE name = $1`, s.name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrSlotEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("postgres read %s: %w", s.name, err)
	}
	return data, nil
}

func (s *Slot) Write(ctx context.Context, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_slots (name, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, s.name, data)
	if err != nil {
		return fmt.Errorf("postgres write %s: %w", s.name, err)
	}
	return nil
}

func (s *Slot) Remove(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_slots WHERE name = $1`, s.name); err != nil {
		return fmt.Errorf("postgres remove %s: %w", s.name, err)
	}
	return nil
}
