package consistency_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/consistency"
	"github.com/jrsteele09/go-auth-session/identity"
	fakesdk "github.com/jrsteele09/go-auth-session/identity/sdkfakes"
	"github.com/jrsteele09/go-auth-session/internal/clock/clockfake"
	"github.com/jrsteele09/go-auth-session/lifecycle"
	"github.com/jrsteele09/go-auth-session/sessions"
	fakeslot "github.com/jrsteele09/go-auth-session/sessions/repofakes"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSignal struct {
	suspected atomic.Bool
}

func (f *fakeSignal) Suspected() bool {
	return f.suspected.Load()
}

// gatedSlot holds Remove until opened, so a pass can be started while a clear
// is half done.
type gatedSlot struct {
	*fakeslot.FakeSlot
	entered   chan struct{}
	gate      chan struct{}
	enterOnce sync.Once
	openOnce  sync.Once
}

func newGatedSlot(slot *fakeslot.FakeSlot) *gatedSlot {
	return &gatedSlot{FakeSlot: slot, entered: make(chan struct{}), gate: make(chan struct{})}
}

func (g *gatedSlot) Remove(ctx context.Context) error {
	g.enterOnce.Do(func() { close(g.entered) })
	<-g.gate
	return g.FakeSlot.Remove(ctx)
}

func (g *gatedSlot) open() {
	g.openOnce.Do(func() { close(g.gate) })
}

func (g *gatedSlot) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("slot was never cleared")
	}
}

type testFixture struct {
	clk     *clockfake.FakeClock
	primary *fakeslot.FakeSlot
	backup  *fakeslot.FakeSlot
	gated   *gatedSlot
	repo    *sessions.Repository
	sdk     *fakesdk.FakeSDK
	signal  *fakeSignal
	manager *lifecycle.Manager
	checker *consistency.Checker
}

type fixtureConfig struct {
	gatePrimary bool
}

type fixtureOption func(*fixtureConfig)

// withGatedPrimary makes clearing the primary slot block until f.gated.open.
func withGatedPrimary() fixtureOption {
	return func(c *fixtureConfig) {
		c.gatePrimary = true
	}
}

func setupTestFixture(t *testing.T, opts ...fixtureOption) *testFixture {
	t.Helper()
	var cfg fixtureConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &testFixture{
		clk:     clockfake.NewFakeClock(testNow),
		primary: fakeslot.NewFakeSlot("primary"),
		backup:  fakeslot.NewFakeSlot("backup"),
		sdk:     fakesdk.NewFakeSDK(),
		signal:  &fakeSignal{},
	}

	var primary sessions.Slot = f.primary
	if cfg.gatePrimary {
		f.gated = newGatedSlot(f.primary)
		primary = f.gated
	}
	repo, err := sessions.NewRepository([]sessions.Slot{primary, f.backup})
	require.NoError(t, err)
	f.repo = repo

	settings := lifecycle.DefaultSettings()
	settings.AutoRenewInterval = 0
	m, err := lifecycle.NewManager(repo, settings,
		lifecycle.WithClock(f.clk),
		lifecycle.WithSDK(f.sdk),
		lifecycle.WithSuspensionSignal(f.signal),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	if f.gated != nil {
		t.Cleanup(f.gated.open)
	}
	f.manager = m

	c, err := consistency.NewChecker(m, repo,
		consistency.WithSDK(f.sdk),
		consistency.WithClock(f.clk),
	)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	f.checker = c
	return f
}

func (f *testFixture) snapshot(t *testing.T, userID, access string, expiresAt time.Time) sessions.Snapshot {
	t.Helper()
	s, err := sessions.NewSnapshot(&sessions.User{ID: userID}, access, "refresh-"+access, expiresAt, f.clk.Now())
	require.NoError(t, err)
	return s
}

func (f *testFixture) token(t *testing.T) string {
	t.Helper()
	token, ok := f.manager.GetToken(context.Background())
	require.True(t, ok)
	return token
}

func targets(r consistency.Report) []string {
	var out []string
	for _, repair := range r.Repairs {
		if repair.Slot != "" {
			out = append(out, repair.Target+":"+repair.Slot)
			continue
		}
		out = append(out, repair.Target)
	}
	return out
}

func TestNewChecker(t *testing.T) {
	f := setupTestFixture(t)

	_, err := consistency.NewChecker(nil, f.repo)
	require.Error(t, err)

	_, err = consistency.NewChecker(f.manager, nil)
	require.Error(t, err)

	_, err = consistency.NewChecker(f.manager, f.repo, consistency.WithInterval(0))
	require.Error(t, err)
}

func TestChecker_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("everything empty is a logged out state", func(t *testing.T) {
		f := setupTestFixture(t)
		report := f.checker.Check(ctx)
		require.False(t, report.Skipped)
		require.Empty(t, report.Repairs)
		require.False(t, f.manager.IsLoggedIn())
	})

	t.Run("live SDK session is adopted into memory and storage", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.snapshot(t, "user-1", "from-sdk", testNow.Add(time.Hour))
		f.sdk.Put(s)

		report := f.checker.Check(ctx)
		require.Equal(t, []string{"memory", "storage:primary", "storage:backup"}, targets(report))
		require.Equal(t, "from-sdk", f.token(t))

		stored, _, err := f.repo.Load(ctx)
		require.NoError(t, err)
		require.True(t, stored.SameSession(s))
	})

	t.Run("expired SDK session is ignored", func(t *testing.T) {
		f := setupTestFixture(t)
		f.sdk.Put(f.snapshot(t, "user-1", "from-sdk", testNow.Add(-time.Minute)))

		report := f.checker.Check(ctx)
		require.Empty(t, report.Repairs)
		require.False(t, f.manager.IsLoggedIn())
	})

	t.Run("stored session is restored and pushed to the SDK", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.snapshot(t, "user-1", "stored", testNow.Add(time.Hour))
		require.NoError(t, f.repo.Save(ctx, s))

		report := f.checker.Check(ctx)
		require.Equal(t, []string{"memory", "sdk"}, targets(report))
		require.Equal(t, "stored", f.token(t))
		require.True(t, f.sdk.Session().SameSession(s))
	})

	t.Run("storage is preferred over the SDK", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.repo.Save(ctx, f.snapshot(t, "user-1", "stored", testNow.Add(time.Hour))))
		f.sdk.Put(f.snapshot(t, "user-1", "from-sdk", testNow.Add(30*time.Minute)))

		f.checker.Check(ctx)
		require.Equal(t, "stored", f.token(t))
		require.Equal(t, "stored", f.sdk.Session().AccessToken)
	})

	t.Run("memory session is copied to the SDK and every slot", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.snapshot(t, "user-1", "held", testNow.Add(time.Hour))
		require.NoError(t, f.manager.SetSession(ctx, s))
		require.NoError(t, f.primary.Remove(ctx))
		require.NoError(t, f.backup.Remove(ctx))
		f.sdk.Put(sessions.Snapshot{})

		report := f.checker.Check(ctx)
		require.Equal(t, []string{"sdk", "storage:primary", "storage:backup"}, targets(report))
		require.True(t, f.sdk.Session().SameSession(s))

		stored, slot, err := f.repo.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, "primary", slot)
		require.True(t, stored.SameSession(s))
	})

	t.Run("corrupted slot is rewritten", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.manager.SetSession(ctx, f.snapshot(t, "user-1", "held", testNow.Add(time.Hour))))
		f.primary.Corrupt([]byte("{not json"))

		report := f.checker.Check(ctx)
		require.Equal(t, []string{"storage:primary"}, targets(report))

		report = f.checker.Check(ctx)
		require.Empty(t, report.Repairs, "a second pass finds nothing to do")
	})

	t.Run("newer session written by another process is adopted", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.manager.SetSession(ctx, f.snapshot(t, "user-1", "held", testNow.Add(10*time.Minute))))
		newer := f.snapshot(t, "user-1", "renewed-elsewhere", testNow.Add(time.Hour))
		require.NoError(t, f.repo.Save(ctx, newer))

		report := f.checker.Check(ctx)
		require.Equal(t, []string{"memory", "sdk"}, targets(report))
		require.Equal(t, "renewed-elsewhere", f.token(t))
		require.True(t, f.sdk.Session().SameSession(newer))
	})

	t.Run("memory wins over another user's stored session", func(t *testing.T) {
		f := setupTestFixture(t)
		held := f.snapshot(t, "user-1", "held", testNow.Add(10*time.Minute))
		require.NoError(t, f.manager.SetSession(ctx, held))
		require.NoError(t, f.repo.Save(ctx, f.snapshot(t, "user-2", "other", testNow.Add(time.Hour))))

		report := f.checker.Check(ctx)
		require.Equal(t, []string{"storage:primary", "storage:backup"}, targets(report))
		require.Equal(t, "held", f.token(t))
	})

	t.Run("skipped while suspension is suspected", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.repo.Save(ctx, f.snapshot(t, "user-1", "stored", testNow.Add(time.Hour))))
		f.signal.suspected.Store(true)

		report := f.checker.Check(ctx)
		require.True(t, report.Skipped)
		require.Empty(t, report.Repairs)
		_, ok := f.manager.Snapshot()
		require.False(t, ok)
	})
}

func TestChecker_CheckDuringClear(t *testing.T) {
	ctx := context.Background()

	// The pass starts after the primary slot is gone but before the backup is,
	// and must not bring the session back from the backup.
	assertStaysCleared := func(t *testing.T, f *testFixture, cleared <-chan struct{}) {
		t.Helper()
		f.gated.waitEntered(t)

		reports := make(chan consistency.Report, 1)
		go func() { reports <- f.checker.Check(ctx) }()
		require.Never(t, func() bool { return len(reports) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

		f.gated.open()
		<-cleared
		report := <-reports
		require.Empty(t, report.Repairs)
		require.False(t, f.manager.IsLoggedIn())

		report = f.checker.Check(ctx)
		require.Empty(t, report.Repairs)
		require.False(t, f.manager.IsLoggedIn())
		require.Nil(t, f.primary.Raw())
		require.Nil(t, f.backup.Raw())
		require.True(t, f.sdk.Session().IsZero())
	}

	t.Run("logout", func(t *testing.T) {
		f := setupTestFixture(t, withGatedPrimary())
		require.NoError(t, f.manager.SetSession(ctx, f.snapshot(t, "user-1", "held", testNow.Add(time.Hour))))

		cleared := make(chan struct{})
		go func() {
			defer close(cleared)
			f.manager.Logout(ctx)
		}()
		assertStaysCleared(t, f, cleared)
	})

	t.Run("refresh token rejected", func(t *testing.T) {
		f := setupTestFixture(t, withGatedPrimary())
		require.NoError(t, f.manager.SetSession(ctx, f.snapshot(t, "user-1", "held", testNow.Add(time.Minute))))
		f.sdk.SetRefreshFunc(func(context.Context, sessions.Snapshot) (sessions.Snapshot, error) {
			return sessions.Snapshot{}, identity.ErrRefreshRejected
		})

		renewed := make(chan bool, 1)
		cleared := make(chan struct{})
		go func() {
			defer close(cleared)
			renewed <- f.manager.Renew(ctx)
		}()
		assertStaysCleared(t, f, cleared)
		require.False(t, <-renewed)
	})
}

func TestChecker_Start(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.manager.SetSession(context.Background(), f.snapshot(t, "user-1", "held", testNow.Add(time.Hour))))
	require.NoError(t, f.backup.Remove(context.Background()))

	f.checker.Start(context.Background())
	f.clk.Advance(consistency.DefaultInterval)

	require.Eventually(t, func() bool { return f.backup.Raw() != nil }, time.Second, 5*time.Millisecond)
	f.checker.Stop()
}
