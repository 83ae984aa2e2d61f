package lifecycle_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/identity"
	fakesdk "github.com/jrsteele09/go-auth-session/identity/sdkfakes"
	"github.com/jrsteele09/go-auth-session/internal/clock/clockfake"
	"github.com/jrsteele09/go-auth-session/lifecycle"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/sessions"
	fakeslot "github.com/jrsteele09/go-auth-session/sessions/repofakes"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var testUser = sessions.User{ID: "user-1", Email: "ada@example.com", Name: "Ada"}

func testSettings() lifecycle.Settings {
	s := lifecycle.DefaultSettings()
	s.BackoffBase = 0
	s.AutoRenewInterval = 0
	return s
}

type fakeSignal struct {
	suspected atomic.Bool
}

func (f *fakeSignal) Suspected() bool {
	return f.suspected.Load()
}

type eventRecorder struct {
	events []events.Event
	lock   sync.Mutex
}

func (r *eventRecorder) record(e events.Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []events.Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *eventRecorder) ofType(t events.Type) []events.Event {
	var out []events.Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testFixture struct {
	clk       *clockfake.FakeClock
	primary   *fakeslot.FakeSlot
	backup    *fakeslot.FakeSlot
	repo      *sessions.Repository
	sdk       *fakesdk.FakeSDK
	refresher *fakesdk.FakeRefresher
	signal    *fakeSignal
	events    *eventRecorder
	manager   *lifecycle.Manager
	issued    atomic.Int32
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	settings lifecycle.Settings
	withSDK  bool
}

func withSettings(f func(*lifecycle.Settings)) fixtureOption {
	return func(c *fixtureConfig) {
		f(&c.settings)
	}
}

func withSDK() fixtureOption {
	return func(c *fixtureConfig) {
		c.withSDK = true
	}
}

func setupTestFixture(t *testing.T, opts ...fixtureOption) *testFixture {
	t.Helper()
	cfg := fixtureConfig{settings: testSettings()}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &testFixture{
		clk:     clockfake.NewFakeClock(testNow),
		primary: fakeslot.NewFakeSlot("primary"),
		backup:  fakeslot.NewFakeSlot("backup"),
		signal:  &fakeSignal{},
		events:  &eventRecorder{},
	}
	f.refresher = fakesdk.NewFakeRefresher(f.succeed(time.Hour))

	repo, err := sessions.NewRepository([]sessions.Slot{f.primary, f.backup})
	require.NoError(t, err)
	f.repo = repo

	bus := events.NewBus()
	for _, et := range []events.Type{events.Login, events.Logout, events.TokenRefreshed, events.AuthError} {
		bus.AddEventListener(et, f.events.record)
	}

	managerOpts := []lifecycle.Option{
		lifecycle.WithClock(f.clk),
		lifecycle.WithRefresher(f.refresher),
		lifecycle.WithBus(bus),
		lifecycle.WithSuspensionSignal(f.signal),
		lifecycle.WithMetrics(metrics.New(nil)),
	}
	if cfg.withSDK {
		f.sdk = fakesdk.NewFakeSDK()
		managerOpts = append(managerOpts, lifecycle.WithSDK(f.sdk))
	}

	m, err := lifecycle.NewManager(repo, cfg.settings, managerOpts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.manager = m
	return f
}

// succeed returns a refresh func that issues numbered tokens valid for ttl.
func (f *testFixture) succeed(ttl time.Duration) func(context.Context, string) (identity.Tokens, error) {
	return func(context.Context, string) (identity.Tokens, error) {
		n := f.issued.Add(1)
		return identity.Tokens{
			AccessToken:  fmt.Sprintf("access-%d", n),
			RefreshToken: fmt.Sprintf("refresh-%d", n),
			ExpiresAt:    f.clk.Now().Add(ttl),
		}, nil
	}
}

func (f *testFixture) snapshot(t *testing.T, access string, expiresAt time.Time) sessions.Snapshot {
	t.Helper()
	user := testUser
	s, err := sessions.NewSnapshot(&user, access, "refresh-0", expiresAt, f.clk.Now())
	require.NoError(t, err)
	return s
}

// login sets a session that expires at expiresAt.
func (f *testFixture) login(t *testing.T, expiresAt time.Time) sessions.Snapshot {
	t.Helper()
	s := f.snapshot(t, "access-0", expiresAt)
	require.NoError(t, f.manager.SetSession(context.Background(), s))
	return s
}

func (f *testFixture) stored(t *testing.T) (sessions.Snapshot, bool) {
	t.Helper()
	s, _, err := f.repo.Load(context.Background())
	return s, err == nil
}
