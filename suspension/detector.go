// Package suspension infers, from gaps between heartbeat ticks, that the host
// process was paused (laptop sleep, SIGSTOP, a frozen container) long enough
// for expiry arithmetic to be untrustworthy.
package suspension

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultThreshold         = 30 * time.Second
	DefaultRecoveryWindow    = 10 * time.Second
)

// State is the detector's view of the last suspension.
type State struct {
	Suspected          bool      `json:"suspected"`
	LastSuspensionTime time.Time `json:"last_suspension_time"`
	// LastGap is the heartbeat gap that triggered the last detection.
	LastGap time.Duration `json:"last_gap,omitempty"`
}

// Detector infers process suspension from gaps between heartbeats.
type Detector struct {
	clock     clock.Clock
	interval  time.Duration
	threshold time.Duration
	recovery  time.Duration
	log       zerolog.Logger

	mu        sync.Mutex
	state     State
	lastTick  time.Time
	clearer   clock.Timer
	observers []func(State)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Detector.
type Option func(*Detector)

func WithClock(c clock.Clock) Option {
	return func(d *Detector) {
		d.clock = c
	}
}

func WithHeartbeatInterval(interval time.Duration) Option {
	return func(d *Detector) {
		d.interval = interval
	}
}

// WithThreshold sets the heartbeat gap above which a suspension is assumed.
func WithThreshold(threshold time.Duration) Option {
	return func(d *Detector) {
		d.threshold = threshold
	}
}

// WithRecoveryWindow sets how long the suspected flag lingers after detection.
func WithRecoveryWindow(recovery time.Duration) Option {
	return func(d *Detector) {
		d.recovery = recovery
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Detector) {
		d.log = l
	}
}

// NewDetector creates a stopped Detector with the default interval and threshold.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		clock:     clock.New(),
		interval:  DefaultHeartbeatInterval,
		threshold: DefaultThreshold,
		recovery:  DefaultRecoveryWindow,
		log:       log.With().Str("component", "suspension").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lastTick = d.clock.Now()
	return d
}

// OnSuspension registers f to run after every detection. Observers run on the
// ticking goroutine and must not block.
func (d *Detector) OnSuspension(f func(State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, f)
}

// Start runs the heartbeat until ctx is cancelled or Stop is called.
func (d *Detector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		cancel()
		return
	}
	d.cancel = cancel
	d.lastTick = d.clock.Now()
	d.mu.Unlock()

	ticker := d.clock.NewTicker(d.interval)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				d.Tick()
			}
		}
	}()
}

// Stop ends the heartbeat and cancels any pending clear.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	if d.clearer != nil {
		d.clearer.Stop()
		d.clearer = nil
	}
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Tick records a heartbeat and reports whether it revealed a suspension.
func (d *Detector) Tick() bool {
	now := d.clock.Now()

	d.mu.Lock()
	gap := now.Sub(d.lastTick)
	d.lastTick = now
	if gap <= d.threshold {
		d.mu.Unlock()
		return false
	}

	d.state = State{Suspected: true, LastSuspensionTime: now, LastGap: gap}
	if d.clearer != nil {
		d.clearer.Stop()
	}
	d.clearer = d.clock.AfterFunc(d.recovery, d.clear)
	state := d.state
	observers := append([]func(State){}, d.observers...)
	d.mu.Unlock()

	d.log.Warn().Dur("gap", gap).Msg("heartbeat gap exceeded threshold, suspension suspected")
	for _, f := range observers {
		f(state)
	}
	return true
}

func (d *Detector) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Suspected = false
	d.clearer = nil
	d.log.Debug().Msg("suspension recovery window elapsed")
}

// Suspected reports whether a suspension was detected and has not yet cleared.
func (d *Detector) Suspected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Suspected
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
