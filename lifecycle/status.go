package lifecycle

import (
	"context"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/sessions"
)

// Status is a point-in-time view of the session and the renewal guards. The
// time fields are nil when unset.
type Status struct {
	LoggedIn            bool           `json:"logged_in"`
	User                *sessions.User `json:"user,omitempty"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	Refreshing          bool           `json:"refreshing"`
	RetryCount          int            `json:"retry_count"`
	BreakerBlocked      bool           `json:"breaker_blocked"`
	BreakerBlockedUntil *time.Time     `json:"breaker_blocked_until,omitempty"`
	BreakerActivations  int            `json:"breaker_activations"`
	BreakerBlocks       int            `json:"breaker_blocks"`
	Suspected           bool           `json:"suspected"`
	Backgrounded        bool           `json:"backgrounded"`
}

// Status reports the current session and guard state.
func (m *Manager) Status() Status {
	now := m.clock.Now()
	blockedUntil := m.breaker.BlockedUntil()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		LoggedIn:           m.state.user != nil && m.state.accessToken != "" && !m.isExpiredLocked(now),
		Refreshing:         m.state.inFlight != nil,
		RetryCount:         m.state.retryCount,
		BreakerBlocked:     !blockedUntil.IsZero(),
		BreakerActivations: m.breaker.Activations(),
		BreakerBlocks:      m.breaker.Blocks(),
		Suspected:          m.suspected(),
		Backgrounded:       m.backgrounded,
	}
	if !m.state.expiresAt.IsZero() {
		t := m.state.expiresAt
		s.ExpiresAt = &t
	}
	if !blockedUntil.IsZero() {
		s.BreakerBlockedUntil = &blockedUntil
	}
	if m.state.user != nil {
		u := *m.state.user
		s.User = &u
	}
	return s
}

// Snapshot returns the in-memory session, or false when logged out.
func (m *Manager) Snapshot() (sessions.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() (sessions.Snapshot, bool) {
	if m.state.user == nil || m.state.accessToken == "" {
		return sessions.Snapshot{}, false
	}
	s, err := sessions.NewSnapshot(m.state.user, m.state.accessToken, m.state.refreshToken, m.state.expiresAt, m.state.lastUpdated)
	if err != nil {
		m.log.Error().Err(err).Msg("In-memory session does not form a valid snapshot")
		return sessions.Snapshot{}, false
	}
	return s, true
}

// Generation identifies the session currently held. It changes whenever the
// session is replaced or cleared other than by renewal. A storage write or clear
// in progress completes before the generation is read.
func (m *Manager) Generation() uint64 {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.epoch
}

// Restore adopts a session found in storage or the SDK into memory. It only
// replaces an empty session, or the same user's session with one that expires
// later, and never while a renewal is running or once the session has moved on
// from generation. Storage is not written. On success the new generation is
// returned.
func (m *Manager) Restore(_ context.Context, snapshot sessions.Snapshot, generation uint64) (uint64, bool) {
	if snapshot.User == nil || snapshot.AccessToken == "" {
		return 0, false
	}

	m.storeMu.Lock()
	m.mu.Lock()
	if m.state.epoch != generation || m.state.inFlight != nil {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return 0, false
	}
	empty := m.state.user == nil || m.state.accessToken == ""
	newer := !empty && m.state.user.ID == snapshot.User.ID && snapshot.ExpiresAt.After(m.state.expiresAt)
	if !empty && !newer {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return 0, false
	}
	m.setLocked(snapshot)
	m.state.retryCount = 0
	m.state.epoch++
	next := m.state.epoch
	m.mu.Unlock()
	m.storeMu.Unlock()
	m.observeExpiry(snapshot.ExpiresAt)

	if empty {
		m.log.Info().Str("user", snapshot.UserID()).Msg("Session restored into memory")
		m.started(snapshot)
	} else {
		m.log.Info().Str("user", snapshot.UserID()).Msg("Adopted newer session")
		m.emit(events.Event{Type: events.TokenRefreshed, UserID: snapshot.UserID()})
	}
	return next, true
}

// Reconcile calls fn with the in-memory session while storage writes and clears
// are held off. fn is not called, and false is returned, when the session is
// empty or has moved on from generation. fn must not call back into the manager.
func (m *Manager) Reconcile(ctx context.Context, generation uint64, fn func(ctx context.Context, current sessions.Snapshot)) bool {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	if m.state.epoch != generation {
		m.mu.Unlock()
		return false
	}
	current, ok := m.snapshotLocked()
	m.mu.Unlock()
	if !ok {
		return false
	}
	fn(ctx, current)
	return true
}

// Suspected reports whether renewal is currently suppressed by a suspected
// suspension.
func (m *Manager) Suspected() bool {
	return m.suspected()
}
