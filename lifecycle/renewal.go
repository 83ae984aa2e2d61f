package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/identity"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/sessions"
)

// renewalCall is the single in-flight renewal. Callers that arrive while it runs
// wait on done and share ok.
type renewalCall struct {
	done chan struct{}
	ok   bool
}

type outcome int

const (
	renewed outcome = iota
	failed
	rejected
	panicked
)

type attempt struct {
	call         *renewalCall
	number       int
	epoch        uint64
	user         *sessions.User
	refreshToken string
	expiresAt    time.Time
}

// Renew runs the renewal protocol and reports whether the session was renewed.
// Concurrent callers share one attempt. A cancelled ctx stops the wait but not the
// attempt itself.
func (m *Manager) Renew(ctx context.Context) bool {
	call := m.startRenewal(ctx)
	if call == nil {
		return false
	}
	select {
	case <-call.done:
		return call.ok
	case <-ctx.Done():
		return false
	}
}

// startRenewal applies the guards and either joins the running attempt or starts
// a new one. It returns nil when renewal was refused.
func (m *Manager) startRenewal(ctx context.Context) *renewalCall {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if m.suspected() {
		m.mu.Unlock()
		m.log.Debug().Msg("Renewal refused while suspension is suspected")
		m.countRenewal(metrics.ResultRefused)
		return nil
	}
	if call := m.state.inFlight; call != nil {
		m.mu.Unlock()
		m.countRenewal(metrics.ResultJoined)
		return call
	}
	if m.state.user == nil {
		m.mu.Unlock()
		return nil
	}
	if !m.limiter.CanProceed() {
		m.mu.Unlock()
		m.log.Debug().Msg("Renewal refused by rate limiter")
		if m.metrics != nil {
			m.metrics.RateLimited.Inc()
		}
		return nil
	}
	if m.breaker.IsBlocked() {
		m.mu.Unlock()
		m.breaker.RecordBlock()
		m.countRenewal(metrics.ResultRefused)
		return nil
	}
	if m.state.retryCount >= m.settings.MaxRetries {
		m.state.retryCount = 0
		m.mu.Unlock()
		m.openBreaker()
		return nil
	}

	m.state.retryCount++
	a := attempt{
		call:         &renewalCall{done: make(chan struct{})},
		number:       m.state.retryCount,
		epoch:        m.state.epoch,
		refreshToken: m.state.refreshToken,
		expiresAt:    m.state.expiresAt,
	}
	if m.state.user != nil {
		u := *m.state.user
		a.user = &u
	}
	m.state.inFlight = a.call
	// Added under mu so Close cannot be waiting yet.
	m.attemptWG.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.attemptWG.Done()
		m.run(context.WithoutCancel(ctx), a)
	}()
	return a.call
}

func (m *Manager) run(ctx context.Context, a attempt) {
	var (
		result   outcome
		snapshot sessions.Snapshot
		err      error
	)
	start := m.clock.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				result = panicked
				err = fmt.Errorf("%w: panic: %v", apperrors.ErrInternal, r)
			}
		}()
		if delay := m.settings.backoff(a.number); delay > 0 {
			m.log.Debug().Int("attempt", a.number).Dur("delay", delay).Msg("Backing off before renewal")
			if err = m.clock.Sleep(ctx, delay); err != nil {
				result = failed
				return
			}
		}
		snapshot, err = m.attempt(ctx, a)
		switch {
		case err == nil:
			result = renewed
		case apperrors.Is(err, identity.ErrRefreshRejected):
			result = rejected
		default:
			result = failed
		}
	}()
	if m.metrics != nil {
		m.metrics.RenewalDuration.Observe(m.clock.Now().Sub(start).Seconds())
	}
	m.finish(ctx, a, result, snapshot, err)
}

// attempt tries the SDK first and falls back to the refresh endpoint.
func (m *Manager) attempt(ctx context.Context, a attempt) (sessions.Snapshot, error) {
	var sdkErr error
	if m.sdk != nil {
		sctx, cancel := context.WithTimeout(ctx, m.settings.RefreshTimeout)
		snapshot, err := m.sdk.RefreshSession(sctx)
		cancel()
		if err == nil {
			if err = m.checkRenewed(a, snapshot); err == nil {
				return snapshot, nil
			}
		}
		sdkErr = err
		m.log.Debug().Err(err).Msg("Identity SDK renewal failed, falling back to refresh endpoint")
	}

	if m.refresher == nil {
		if sdkErr != nil {
			return sessions.Snapshot{}, sdkErr
		}
		return sessions.Snapshot{}, apperrors.ErrSDKUnavailable
	}
	if a.refreshToken == "" {
		return sessions.Snapshot{}, apperrors.ErrNoRefreshToken
	}

	rctx, cancel := context.WithTimeout(ctx, m.settings.RefreshTimeout)
	defer cancel()
	tokens, err := m.refresher.Refresh(rctx, a.refreshToken)
	if err != nil {
		return sessions.Snapshot{}, err
	}

	user := tokens.User
	if user == nil {
		user = a.user
	}
	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = a.refreshToken
	}
	snapshot, err := sessions.NewSnapshot(user, tokens.AccessToken, refreshToken, tokens.ExpiresAt, m.clock.Now())
	if err != nil {
		return sessions.Snapshot{}, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}
	if err := m.checkRenewed(a, snapshot); err != nil {
		return sessions.Snapshot{}, err
	}
	return snapshot, nil
}

// checkRenewed rejects a renewal whose token is already expired or does not
// outlive the one it replaces.
func (m *Manager) checkRenewed(a attempt, s sessions.Snapshot) error {
	if !s.ExpiresAt.After(m.clock.Now()) {
		return fmt.Errorf("%w: renewed token expires at %s", apperrors.ErrRefreshFailed, s.ExpiresAt.Format(time.RFC3339))
	}
	if !s.ExpiresAt.After(a.expiresAt) {
		return fmt.Errorf("%w: renewed token expires at %s, not after %s", apperrors.ErrRefreshFailed,
			s.ExpiresAt.Format(time.RFC3339), a.expiresAt.Format(time.RFC3339))
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, a attempt, result outcome, snapshot sessions.Snapshot, err error) {
	var emit []events.Event
	openBreaker := false

	m.storeMu.Lock()
	m.mu.Lock()
	m.state.inFlight = nil
	current := m.state.epoch == a.epoch

	switch {
	case !current:
		// Logout or SetSession happened meanwhile; the result belongs to a session
		// that no longer exists.
		result = failed
		m.log.Debug().Msg("Discarding renewal result for a replaced session")

	case result == renewed:
		m.setLocked(snapshot)
		m.state.retryCount = 0
		emit = append(emit, events.Event{Type: events.TokenRefreshed, UserID: snapshot.UserID()})

	case result == rejected:
		userID := m.userIDLocked()
		m.clearLocked()
		emit = append(emit, events.Event{Type: events.AuthError, Reason: events.ReasonRefreshFailed, UserID: userID})

	case result == panicked:
		// Only deliberate attempts count toward the breaker.
		if m.state.retryCount > 0 {
			m.state.retryCount--
		}

	default:
		if m.state.retryCount >= m.settings.MaxRetries {
			m.state.retryCount = 0
			openBreaker = true
		}
	}
	m.mu.Unlock()

	if current {
		switch result {
		case renewed:
			if err := m.repo.Save(ctx, snapshot); err != nil {
				m.log.Error().Err(err).Msg("Failed to persist renewed session")
			}
		case rejected:
			m.clearStoresLocked(ctx)
		}
	}
	m.storeMu.Unlock()

	switch {
	case !current:
		m.countRenewal(metrics.ResultFailure)
	case result == renewed:
		m.breaker.Reset()
		m.observeExpiry(snapshot.ExpiresAt)
		m.countRenewal(metrics.ResultSuccess)
		m.log.Info().Str("user", snapshot.UserID()).Time("expires_at", snapshot.ExpiresAt).Msg("Session renewed")
	case result == rejected:
		m.observeExpiry(time.Time{})
		m.countRenewal(metrics.ResultRejected)
		m.log.Warn().Err(err).Msg("Refresh token rejected, session cleared")
	case result == panicked:
		m.countRenewal(metrics.ResultFailure)
		m.log.Error().Err(err).Msg("Renewal attempt panicked")
	default:
		m.countRenewal(metrics.ResultFailure)
		m.log.Warn().Err(err).Int("attempt", a.number).Msg("Renewal failed")
	}

	if openBreaker {
		m.openBreaker()
	}
	for _, e := range emit {
		m.emit(e)
	}

	a.call.ok = current && result == renewed
	close(a.call.done)
}

// openBreaker is called once retries are exhausted.
func (m *Manager) openBreaker() {
	m.breaker.Activate(m.settings.BreakerCooldown)
	m.emit(events.Event{Type: events.AuthError, Reason: events.ReasonRefreshError})
}

// ResetCircuitBreaker is the operator override: it closes the breaker and
// forgets previous failures.
func (m *Manager) ResetCircuitBreaker() {
	m.breaker.Reset()
	m.mu.Lock()
	m.state.retryCount = 0
	m.mu.Unlock()
	m.log.Info().Msg("Circuit breaker reset")
}

func (m *Manager) countRenewal(result string) {
	if m.metrics != nil {
		m.metrics.Renewals.WithLabelValues(result).Inc()
	}
}
