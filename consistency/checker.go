// Package consistency reconciles the three places a session can live: the
// manager's memory, the storage slots and the identity SDK. Drift between them
// comes from crashes between writes, other processes sharing the storage, and
// SDKs that renew on their own.
package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/internal/clock"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 30 * time.Second
	sdkTimeout      = 5 * time.Second
)

// Repair targets.
const (
	TargetMemory  = "memory"
	TargetSDK     = "sdk"
	TargetStorage = "storage"
)

// Memory is the in-memory session holder. *lifecycle.Manager satisfies it.
type Memory interface {
	Generation() uint64
	Snapshot() (sessions.Snapshot, bool)
	Restore(ctx context.Context, snapshot sessions.Snapshot, generation uint64) (uint64, bool)
	Reconcile(ctx context.Context, generation uint64, fn func(ctx context.Context, current sessions.Snapshot)) bool
	Suspected() bool
}

// Repair is one copy of the session that a pass rewrote.
type Repair struct {
	Target string `json:"target"`
	// Slot is set for storage repairs.
	Slot string `json:"slot,omitempty"`
}

// Report lists what a single pass repaired.
type Report struct {
	Skipped bool     `json:"skipped"`
	Repairs []Repair `json:"repairs,omitempty"`
}

// Checker periodically reconciles memory, storage and the identity SDK.
type Checker struct {
	memory   Memory
	repo     *sessions.Repository
	sdk      identity.SDK
	clock    clock.Clock
	interval time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// checkMu serialises passes; the ticker, the file watcher and visibility
	// changes can all ask for one.
	checkMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Checker)

// WithSDK sets the identity SDK to reconcile against.
func WithSDK(sdk identity.SDK) Option {
	return func(c *Checker) {
		c.sdk = sdk
	}
}

func WithClock(cl clock.Clock) Option {
	return func(c *Checker) {
		c.clock = cl
	}
}

// WithInterval sets how often Start runs a pass. Defaults to DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) {
		c.interval = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Checker) {
		c.log = l
	}
}

// NewChecker creates a Checker over memory and repo.
func NewChecker(memory Memory, repo *sessions.Repository, opts ...Option) (*Checker, error) {
	if memory == nil {
		return nil, errors.New("[NewChecker] session memory is required")
	}
	if repo == nil {
		return nil, errors.New("[NewChecker] session repository is required")
	}
	c := &Checker{
		memory:   memory,
		repo:     repo,
		clock:    clock.New(),
		interval: DefaultInterval,
		log:      log.With().Str("component", "consistency").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval <= 0 {
		return nil, errors.Errorf("[NewChecker] interval must be positive, got %s", c.interval)
	}
	return c, nil
}

// Start runs Check every interval until ctx is cancelled or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()

	ticker := c.clock.NewTicker(c.interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				c.Check(ctx)
			}
		}
	}()
}

// Stop ends the periodic passes started by Start and waits for the loop to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Check makes one reconciliation pass. Storage is preferred over the SDK when
// memory is empty; once memory holds a session it is copied to whichever of the
// SDK and the slots lack it. Nothing is touched while a suspension is suspected,
// and a pass that overlaps a logout or a new sign-in leaves the result alone.
func (c *Checker) Check(ctx context.Context) Report {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()

	if c.memory.Suspected() {
		c.log.Debug().Msg("Consistency check skipped while suspension is suspected")
		return Report{Skipped: true}
	}

	var report Report
	now := c.clock.Now()
	generation := c.memory.Generation()
	current, inMemory := c.memory.Snapshot()
	stored, slot, err := c.repo.Load(ctx)
	inStorage := err == nil
	sdkSession, inSDK := c.sdkSession(ctx, now)

	switch {
	case !inMemory && !inStorage && inSDK:
		if next, ok := c.memory.Restore(ctx, sdkSession, generation); ok {
			c.record(&report, Repair{Target: TargetMemory})
			c.log.Info().Str("user", sdkSession.UserID()).Msg("Adopted identity SDK session")
			generation, inMemory = next, true
		}

	case inStorage && (!inMemory || newerForSameUser(stored, current)):
		if next, ok := c.memory.Restore(ctx, stored, generation); ok {
			c.record(&report, Repair{Target: TargetMemory})
			c.log.Info().Str("user", stored.UserID()).Str("slot", slot).Msg("Restored session from storage")
			generation, inMemory = next, true
		}
	}

	if !inMemory {
		return report
	}

	ran := c.memory.Reconcile(ctx, generation, func(ctx context.Context, current sessions.Snapshot) {
		if c.sdk != nil && (!inSDK || newerForSameUser(current, sdkSession)) {
			if err := c.sdk.SetSession(ctx, current); err != nil {
				c.log.Warn().Err(err).Msg("Failed to push session to identity SDK")
			} else {
				c.record(&report, Repair{Target: TargetSDK})
			}
		}

		repaired, err := c.repo.Repair(ctx, current)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to repair session slots")
		}
		for _, name := range repaired {
			c.record(&report, Repair{Target: TargetStorage, Slot: name})
		}
	})
	if !ran {
		c.log.Debug().Msg("Session changed during consistency check, leaving it alone")
	}

	if len(report.Repairs) > 0 {
		c.log.Info().Int("repairs", len(report.Repairs)).Msg("Session drift repaired")
	}
	return report
}

// sdkSession returns the SDK's session if it holds a live one.
func (c *Checker) sdkSession(ctx context.Context, now time.Time) (sessions.Snapshot, bool) {
	if c.sdk == nil {
		return sessions.Snapshot{}, false
	}
	sctx, cancel := context.WithTimeout(ctx, sdkTimeout)
	defer cancel()
	s, err := c.sdk.GetSession(sctx)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNoSession) {
			c.log.Warn().Err(err).Msg("Identity SDK session lookup failed")
		}
		return sessions.Snapshot{}, false
	}
	if s.ExpiredAt(now) {
		return sessions.Snapshot{}, false
	}
	return s, true
}

func newerForSameUser(candidate, held sessions.Snapshot) bool {
	return candidate.UserID() == held.UserID() && candidate.ExpiresAt.After(held.ExpiresAt)
}

func (c *Checker) record(report *Report, repair Repair) {
	report.Repairs = append(report.Repairs, repair)
	if c.metrics != nil {
		c.metrics.ConsistencyRepairs.WithLabelValues(repair.Target).Inc()
	}
}
