// Package lifecycle owns the in-memory session: it decides when the access token
// must be renewed, makes sure only one renewal runs at a time, and keeps storage,
// the backing SDK and event listeners in step with every change.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/guard"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/internal/clock"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SuspensionSignal reports whether the process is believed to have just been
// suspended. *suspension.Detector satisfies it.
type SuspensionSignal interface {
	Suspected() bool
}

// authState is guarded by Manager.mu. An access token is never held without a user.
type authState struct {
	user         *sessions.User
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	lastUpdated  time.Time

	inFlight   *renewalCall // non-nil while refreshing
	retryCount int
	// epoch changes whenever the session is replaced or cleared from outside a
	// renewal, so a renewal that started earlier knows to drop its result.
	epoch uint64
}

// Manager holds the session in memory and drives its renewal, persistence and
// events.
type Manager struct {
	repo       *sessions.Repository
	settings   Settings
	sdk        identity.SDK
	refresher  identity.Refresher
	bus        *events.Bus
	breaker    *guard.CircuitBreaker
	limiter    *guard.RateLimiter
	suspension SuspensionSignal
	clock      clock.Clock
	metrics    *metrics.Metrics
	log        zerolog.Logger

	// storeMu serialises writes to storage and the SDK, and any change of
	// generation. Always taken before mu.
	storeMu sync.Mutex
	mu      sync.Mutex
	state   authState

	backgrounded bool
	onVisible    []func(ctx context.Context)

	// closed is set by Close; no loop or renewal starts afterwards.
	closed     bool
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
	attemptWG  sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithSDK sets the backing identity SDK, consulted first on initialisation and
// renewal.
func WithSDK(sdk identity.SDK) Option {
	return func(m *Manager) {
		m.sdk = sdk
	}
}

// WithRefresher sets the manual renewal strategy used when the SDK cannot renew.
func WithRefresher(r identity.Refresher) Option {
	return func(m *Manager) {
		m.refresher = r
	}
}

// WithBus sets the event bus. A private bus is created when unset.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithSuspensionSignal sets the source of suspension suspicion.
func WithSuspensionSignal(s SuspensionSignal) Option {
	return func(m *Manager) {
		m.suspension = s
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithMetrics sets the Prometheus collectors to update.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager creates a Manager over repo. No session is loaded until
// InitializeAuth is called.
func NewManager(repo *sessions.Repository, settings Settings, opts ...Option) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("[NewManager] session repository is required")
	}
	if settings.MaxRetries < 1 {
		return nil, errors.Errorf("[NewManager] max retries must be at least 1, got %d", settings.MaxRetries)
	}

	m := &Manager{
		repo:     repo,
		settings: settings,
		clock:    clock.New(),
		log:      log.With().Str("component", "lifecycle").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = events.NewBus(events.WithLogger(m.log))
	}

	m.breaker = guard.NewCircuitBreaker(
		guard.WithBreakerClock(m.clock),
		guard.WithActivationHook(func(until time.Time) {
			m.log.Warn().Time("until", until).Msg("Renewal circuit breaker opened")
			if m.metrics != nil {
				m.metrics.BreakerActivations.Inc()
			}
		}),
		guard.WithBlockHook(func() {
			if m.metrics != nil {
				m.metrics.BreakerBlocks.Inc()
			}
		}),
	)
	m.limiter = guard.NewRateLimiter(settings.RateLimitInterval, m.clock)
	return m, nil
}

// Events returns the bus the manager publishes on.
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// InitializeAuth restores a session at startup: from the backing SDK if it holds a
// live one, otherwise from storage, renewing once if the stored token has expired.
func (m *Manager) InitializeAuth(ctx context.Context) bool {
	if m.sdk != nil {
		sctx, cancel := context.WithTimeout(ctx, m.settings.RefreshTimeout)
		snapshot, err := m.sdk.GetSession(sctx)
		cancel()
		switch {
		case err == nil && !snapshot.ExpiredAt(m.clock.Now()):
			m.adopt(ctx, snapshot, true, false)
			m.log.Info().Str("user", snapshot.UserID()).Msg("Session restored from identity SDK")
			m.started(snapshot)
			return true
		case err != nil && !apperrors.Is(err, apperrors.ErrNoSession):
			m.log.Warn().Err(err).Msg("Identity SDK session lookup failed")
		}
	}

	snapshot, slot, err := m.repo.Load(ctx)
	if err != nil {
		m.log.Info().Msg("No stored session")
		return false
	}
	m.adopt(ctx, snapshot, false, false)
	m.log.Info().Str("user", snapshot.UserID()).Str("slot", slot).Msg("Session restored from storage")

	if snapshot.ExpiredAt(m.clock.Now()) && !m.Renew(ctx) {
		m.log.Warn().Msg("Stored session expired and could not be renewed")
		return false
	}
	m.started(snapshot)
	return true
}

func (m *Manager) started(snapshot sessions.Snapshot) {
	m.startLoop()
	m.emit(events.Event{Type: events.Login, UserID: snapshot.UserID()})
}

// adopt replaces the in-memory session, optionally writing it to storage and
// handing it to the SDK.
func (m *Manager) adopt(ctx context.Context, snapshot sessions.Snapshot, persist, push bool) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	m.setLocked(snapshot)
	m.state.retryCount = 0
	m.state.epoch++
	m.mu.Unlock()
	m.observeExpiry(snapshot.ExpiresAt)

	if push && m.sdk != nil {
		if err := m.sdk.SetSession(ctx, snapshot); err != nil {
			m.log.Warn().Err(err).Msg("Identity SDK did not accept session")
		}
	}
	if !persist {
		return nil
	}
	if err := m.repo.Save(ctx, snapshot); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist session")
		return err
	}
	return nil
}

func (m *Manager) setLocked(s sessions.Snapshot) {
	if s.User != nil {
		u := *s.User
		m.state.user = &u
	} else {
		m.state.user = nil
	}
	m.state.accessToken = s.AccessToken
	m.state.refreshToken = s.RefreshToken
	m.state.expiresAt = s.ExpiresAt
	m.state.lastUpdated = s.LastUpdated
	if m.state.user == nil {
		m.state.accessToken = ""
	}
}

func (m *Manager) clearLocked() {
	m.state.user = nil
	m.state.accessToken = ""
	m.state.refreshToken = ""
	m.state.expiresAt = time.Time{}
	m.state.lastUpdated = time.Time{}
	m.state.retryCount = 0
	m.state.epoch++
}

// GetToken returns the access token, renewing it first if it has expired. It
// returns false when there is no session or the renewal failed.
func (m *Manager) GetToken(ctx context.Context) (string, bool) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.state.accessToken == "" {
		m.mu.Unlock()
		return "", false
	}
	token := m.state.accessToken
	if m.suspected() {
		// Expiry readings right after a suspension are not trusted.
		m.mu.Unlock()
		return token, true
	}
	expired := m.isExpiredLocked(now)
	soon := !expired && m.shouldRenewSoonLocked(now)
	m.mu.Unlock()

	if soon {
		m.startRenewal(ctx)
		return token, true
	}
	if !expired {
		return token, true
	}

	if !m.Renew(ctx) {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.accessToken, m.state.accessToken != ""
}

// HandleUnauthorized is called when a request made with rejected came back 401.
// If the token has already been replaced the current one is returned, otherwise a
// renewal is forced regardless of the nominal expiry.
func (m *Manager) HandleUnauthorized(ctx context.Context, rejected string) (string, bool) {
	m.mu.Lock()
	current := m.state.accessToken
	m.mu.Unlock()

	if current == "" {
		return "", false
	}
	if current != rejected {
		return current, true
	}
	if !m.Renew(ctx) {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.accessToken, m.state.accessToken != ""
}

// SetSession adopts a session obtained elsewhere, typically an interactive
// sign-in. The session is held even if persisting it fails; the error is returned
// so the caller knows storage is behind.
func (m *Manager) SetSession(ctx context.Context, snapshot sessions.Snapshot) error {
	if _, err := sessions.Encode(snapshot); err != nil {
		return errors.Wrap(err, "[Manager SetSession]")
	}

	m.breaker.Reset()
	persistErr := m.adopt(ctx, snapshot, true, true)
	m.log.Info().Str("user", snapshot.UserID()).Msg("Session set")
	m.started(snapshot)
	if persistErr != nil {
		return errors.Wrap(persistErr, "[Manager SetSession] persist")
	}
	return nil
}

// Logout clears the session everywhere. A renewal still in flight is not aborted;
// its result is discarded when it lands.
func (m *Manager) Logout(ctx context.Context) {
	m.stopLoop()

	m.storeMu.Lock()
	m.mu.Lock()
	userID := m.userIDLocked()
	m.clearLocked()
	m.mu.Unlock()
	m.clearStoresLocked(ctx)
	m.storeMu.Unlock()
	m.observeExpiry(time.Time{})

	m.breaker.Reset()
	m.limiter.Reset()
	m.log.Info().Str("user", userID).Msg("Logged out")
	m.emit(events.Event{Type: events.Logout, UserID: userID})
}

// clearStoresLocked removes the session from storage and the SDK. Caller holds
// storeMu.
func (m *Manager) clearStoresLocked(ctx context.Context) {
	if err := m.repo.Clear(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Failed to clear stored session")
	}
	if m.sdk != nil {
		if err := m.sdk.SignOut(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Identity SDK sign out failed")
		}
	}
}

// IsLoggedIn reports whether a session is held and its token has not expired.
func (m *Manager) IsLoggedIn() bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.user != nil && m.state.accessToken != "" && !m.isExpiredLocked(now)
}

// isExpiredLocked applies the grace period while suspension is suspected or the
// host is backgrounded.
func (m *Manager) isExpiredLocked(now time.Time) bool {
	deadline := m.state.expiresAt
	if m.suspected() || m.backgrounded {
		deadline = deadline.Add(m.settings.GracePeriod)
	}
	return !now.Before(deadline)
}

func (m *Manager) shouldRenewSoonLocked(now time.Time) bool {
	if m.state.inFlight != nil || m.suspected() {
		return false
	}
	return m.state.expiresAt.Sub(now) <= m.settings.RenewalThreshold
}

func (m *Manager) suspected() bool {
	return m.suspension != nil && m.suspension.Suspected()
}

func (m *Manager) userIDLocked() string {
	if m.state.user == nil {
		return ""
	}
	return m.state.user.ID
}

func (m *Manager) emit(e events.Event) {
	e.At = m.clock.Now()
	m.bus.Emit(e)
}

func (m *Manager) observeExpiry(t time.Time) {
	if m.metrics == nil {
		return
	}
	if t.IsZero() {
		m.metrics.TokenExpiry.Set(0)
		return
	}
	m.metrics.TokenExpiry.Set(float64(t.Unix()))
}

// Close stops the background loop and waits for renewals in flight. Renewals
// requested after Close are refused.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.stopLoop()
	m.loopWG.Wait()
	m.attemptWG.Wait()
}
