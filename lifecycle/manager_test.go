package lifecycle_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/identity"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/lifecycle"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	_, err := lifecycle.NewManager(nil, lifecycle.DefaultSettings())
	require.Error(t, err)

	f := setupTestFixture(t)
	settings := lifecycle.DefaultSettings()
	settings.MaxRetries = 0
	_, err = lifecycle.NewManager(f.repo, settings)
	require.Error(t, err)
}

func TestInitializeAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing stored", func(t *testing.T) {
		f := setupTestFixture(t)
		require.False(t, f.manager.InitializeAuth(ctx))
		require.False(t, f.manager.IsLoggedIn())
		require.Empty(t, f.events.all())
	})

	t.Run("restores a stored session", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.snapshot(t, "access-0", testNow.Add(time.Hour))
		require.NoError(t, f.repo.Save(ctx, s))

		require.True(t, f.manager.InitializeAuth(ctx))
		token, ok := f.manager.GetToken(ctx)
		require.True(t, ok)
		require.Equal(t, "access-0", token)
		require.Zero(t, f.refresher.Calls())
		require.Len(t, f.events.ofType(events.Login), 1)
	})

	t.Run("corrupted primary falls back to backup", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.snapshot(t, "access-0", testNow.Add(time.Hour))
		require.NoError(t, f.repo.Save(ctx, s))
		f.primary.Corrupt([]byte(`{"user": {"id": "user-1"}, "access_token": `))

		require.True(t, f.manager.InitializeAuth(ctx))
		token, ok := f.manager.GetToken(ctx)
		require.True(t, ok)
		require.Equal(t, "access-0", token)
	})

	t.Run("expired stored session is renewed once", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.repo.Save(ctx, f.snapshot(t, "access-0", testNow.Add(-time.Minute))))

		require.True(t, f.manager.InitializeAuth(ctx))
		require.Equal(t, 1, f.refresher.Calls())
		require.Equal(t, []string{"refresh-0"}, f.refresher.Tokens())

		token, ok := f.manager.GetToken(ctx)
		require.True(t, ok)
		require.Equal(t, "access-1", token)

		stored, ok := f.stored(t)
		require.True(t, ok)
		require.Equal(t, "access-1", stored.AccessToken)
	})

	t.Run("expired stored session that cannot be renewed", func(t *testing.T) {
		f := setupTestFixture(t)
		f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
			return identity.Tokens{}, apperrors.ErrRefreshFailed
		})
		require.NoError(t, f.repo.Save(ctx, f.snapshot(t, "access-0", testNow.Add(-time.Minute))))

		require.False(t, f.manager.InitializeAuth(ctx))
		require.False(t, f.manager.IsLoggedIn())
	})

	t.Run("live SDK session wins and is persisted", func(t *testing.T) {
		f := setupTestFixture(t, withSDK())
		require.NoError(t, f.repo.Save(ctx, f.snapshot(t, "stored", testNow.Add(time.Hour))))
		f.sdk.Put(f.snapshot(t, "from-sdk", testNow.Add(time.Hour)))

		require.True(t, f.manager.InitializeAuth(ctx))
		token, _ := f.manager.GetToken(ctx)
		require.Equal(t, "from-sdk", token)

		stored, ok := f.stored(t)
		require.True(t, ok)
		require.Equal(t, "from-sdk", stored.AccessToken)
	})

	t.Run("expired SDK session falls through to storage", func(t *testing.T) {
		f := setupTestFixture(t, withSDK())
		require.NoError(t, f.repo.Save(ctx, f.snapshot(t, "stored", testNow.Add(time.Hour))))
		f.sdk.Put(f.snapshot(t, "from-sdk", testNow.Add(-time.Hour)))

		require.True(t, f.manager.InitializeAuth(ctx))
		token, _ := f.manager.GetToken(ctx)
		require.Equal(t, "stored", token)
	})
}

func TestGetToken(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		f := setupTestFixture(t)
		token, ok := f.manager.GetToken(ctx)
		require.False(t, ok)
		require.Empty(t, token)
		require.Zero(t, f.refresher.Calls())
	})

	t.Run("fresh token is returned as is", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Hour))

		token, ok := f.manager.GetToken(ctx)
		require.True(t, ok)
		require.Equal(t, "access-0", token)
		require.Zero(t, f.refresher.Calls())
	})

	t.Run("token inside threshold is returned and renewed in background", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(2*time.Minute))

		token, ok := f.manager.GetToken(ctx)
		require.True(t, ok)
		require.Equal(t, "access-0", token)

		require.Eventually(t, func() bool {
			token, _ := f.manager.GetToken(ctx)
			return token == "access-1"
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, 1, f.refresher.Calls())
	})

	t.Run("expired token is renewed before returning", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(10*time.Minute))
		f.clk.Advance(10 * time.Minute)

		token, ok := f.manager.GetToken(ctx)
		require.True(t, ok)
		require.Equal(t, "access-1", token)
		require.Len(t, f.events.ofType(events.TokenRefreshed), 1)

		stored, _ := f.stored(t)
		require.Equal(t, "access-1", stored.AccessToken)
		require.Equal(t, "refresh-1", stored.RefreshToken)
	})

	t.Run("concurrent callers share one renewal", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(10*time.Minute))
		f.clk.Advance(11 * time.Minute)
		release := f.refresher.Hold()
		defer release()

		const callers = 10
		tokens := make([]string, callers)
		var wg sync.WaitGroup
		call := func(i int) {
			defer wg.Done()
			tokens[i], _ = f.manager.GetToken(ctx)
		}

		wg.Add(1)
		go call(0)
		require.Eventually(t, func() bool { return f.refresher.Calls() == 1 }, time.Second, time.Millisecond)
		require.True(t, f.manager.Status().Refreshing)

		for i := 1; i < callers; i++ {
			wg.Add(1)
			go call(i)
		}
		time.Sleep(20 * time.Millisecond)
		release()
		wg.Wait()

		require.Equal(t, 1, f.refresher.Calls())
		for _, token := range tokens {
			require.Equal(t, "access-1", token)
		}
		require.False(t, f.manager.Status().Refreshing)
	})

	t.Run("suspension returns the held token without renewing", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(10*time.Minute))
		f.clk.Advance(time.Hour)
		f.signal.suspected.Store(true)

		token, ok := f.manager.GetToken(ctx)
		require.True(t, ok)
		require.Equal(t, "access-0", token)
		require.False(t, f.manager.Renew(ctx))
		require.Zero(t, f.refresher.Calls())
	})
}

func TestRenew(t *testing.T) {
	ctx := context.Background()

	t.Run("breaker opens after max retries and closes after cooldown", func(t *testing.T) {
		f := setupTestFixture(t)
		expiry := testNow.Add(10 * time.Minute)
		f.login(t, expiry)
		f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
			return identity.Tokens{}, fmt.Errorf("%w: connection reset", apperrors.ErrRefreshFailed)
		})

		for i := 1; i <= 3; i++ {
			f.clk.Set(expiry.Add(time.Duration(i) * time.Second))
			token, ok := f.manager.GetToken(ctx)
			require.False(t, ok)
			require.Empty(t, token)
			require.Equal(t, i, f.refresher.Calls())
		}

		status := f.manager.Status()
		require.True(t, status.BreakerBlocked)
		require.Zero(t, status.RetryCount)
		require.Equal(t, 1, status.BreakerActivations)
		activatedAt := expiry.Add(3 * time.Second)
		require.NotNil(t, status.BreakerBlockedUntil)
		require.Equal(t, activatedAt.Add(5*time.Minute), *status.BreakerBlockedUntil)

		authErrors := f.events.ofType(events.AuthError)
		require.Len(t, authErrors, 1)
		require.Equal(t, events.ReasonRefreshError, authErrors[0].Reason)

		f.clk.Set(expiry.Add(4 * time.Second))
		_, ok := f.manager.GetToken(ctx)
		require.False(t, ok)
		require.Equal(t, 3, f.refresher.Calls(), "no network call while the breaker is open")
		require.Equal(t, 1, f.manager.Status().BreakerBlocks)
		require.False(t, f.manager.IsLoggedIn())

		f.refresher.SetFunc(f.succeed(time.Hour))
		f.clk.Set(activatedAt.Add(5*time.Minute + time.Second))
		token, ok := f.manager.GetToken(ctx)
		require.True(t, ok)
		require.Equal(t, "access-1", token)
		require.Equal(t, 4, f.refresher.Calls())

		status = f.manager.Status()
		require.False(t, status.BreakerBlocked)
		require.Zero(t, status.RetryCount)
	})

	t.Run("backoff doubles on each retry", func(t *testing.T) {
		f := setupTestFixture(t, withSettings(func(s *lifecycle.Settings) {
			s.BackoffBase = time.Second
			s.RateLimitInterval = 0
			s.MaxRetries = 5
		}))
		f.login(t, testNow.Add(time.Hour))
		f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
			return identity.Tokens{}, apperrors.ErrRefreshFailed
		})

		for i := 0; i < 4; i++ {
			require.False(t, f.manager.Renew(ctx))
		}
		require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, f.clk.Sleeps())
		require.Equal(t, 4, f.manager.Status().RetryCount)
	})

	t.Run("a success resets the failure count", func(t *testing.T) {
		f := setupTestFixture(t, withSettings(func(s *lifecycle.Settings) { s.RateLimitInterval = 0 }))
		f.login(t, testNow.Add(time.Hour))
		fail := func(context.Context, string) (identity.Tokens, error) {
			return identity.Tokens{}, apperrors.ErrRefreshFailed
		}

		f.refresher.SetFunc(fail)
		require.False(t, f.manager.Renew(ctx))
		require.False(t, f.manager.Renew(ctx))
		f.refresher.SetFunc(f.succeed(time.Hour))
		require.True(t, f.manager.Renew(ctx))
		f.refresher.SetFunc(fail)
		require.False(t, f.manager.Renew(ctx))
		require.False(t, f.manager.Renew(ctx))

		status := f.manager.Status()
		require.False(t, status.BreakerBlocked)
		require.Equal(t, 2, status.RetryCount)
	})

	t.Run("rate limiter spaces attempts", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(10*time.Minute))

		require.True(t, f.manager.Renew(ctx))
		require.False(t, f.manager.Renew(ctx))
		require.Equal(t, 1, f.refresher.Calls())

		f.clk.Advance(time.Second)
		require.True(t, f.manager.Renew(ctx))
		require.Equal(t, 2, f.refresher.Calls())
	})

	t.Run("successful renewal extends expiry and keeps the user", func(t *testing.T) {
		f := setupTestFixture(t)
		before := f.login(t, testNow.Add(time.Minute))
		f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
			return identity.Tokens{AccessToken: "access-1", ExpiresAt: f.clk.Now().Add(time.Hour)}, nil
		})

		require.True(t, f.manager.Renew(ctx))
		after, ok := f.manager.Snapshot()
		require.True(t, ok)
		require.True(t, after.ExpiresAt.After(before.ExpiresAt))
		require.Equal(t, before.User, after.User)
		require.Equal(t, "refresh-0", after.RefreshToken, "an unrotated refresh token is kept")
	})

	t.Run("backend may return a different identity", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Minute))
		f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
			return identity.Tokens{User: &sessions.User{ID: "user-2"}, AccessToken: "access-1", ExpiresAt: f.clk.Now().Add(time.Hour)}, nil
		})

		require.True(t, f.manager.Renew(ctx))
		require.Equal(t, "user-2", f.manager.Status().User.ID)
	})

	t.Run("already expired result counts as failure", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Minute))
		f.refresher.SetFunc(f.succeed(-time.Second))

		require.False(t, f.manager.Renew(ctx))
		require.Equal(t, 1, f.manager.Status().RetryCount)
	})

	t.Run("result that does not extend the expiry counts as failure", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(2*time.Hour))

		require.False(t, f.manager.Renew(ctx))
		require.Equal(t, 1, f.manager.Status().RetryCount)
		token, _ := f.manager.GetToken(ctx)
		require.Equal(t, "access-0", token)
		require.Empty(t, f.events.ofType(events.TokenRefreshed))
	})

	t.Run("refused after close", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Minute))
		f.manager.Close()

		require.False(t, f.manager.Renew(ctx))
		require.Zero(t, f.refresher.Calls())
		require.False(t, f.manager.Status().Refreshing)
	})

	t.Run("hard rejection clears the session", func(t *testing.T) {
		f := setupTestFixture(t, withSDK())
		f.login(t, testNow.Add(time.Minute))
		f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
			return identity.Tokens{}, fmt.Errorf("%w: status 401", identity.ErrRefreshRejected)
		})

		require.False(t, f.manager.Renew(ctx))
		require.False(t, f.manager.IsLoggedIn())
		_, ok := f.manager.GetToken(ctx)
		require.False(t, ok)
		_, ok = f.stored(t)
		require.False(t, ok)
		require.Equal(t, 1, f.sdk.SignOutCalls())

		authErrors := f.events.ofType(events.AuthError)
		require.Len(t, authErrors, 1)
		require.Equal(t, events.ReasonRefreshFailed, authErrors[0].Reason)
	})

	t.Run("SDK renewal is tried first", func(t *testing.T) {
		f := setupTestFixture(t, withSDK())
		f.login(t, testNow.Add(time.Minute))
		f.sdk.SetRefreshFunc(func(_ context.Context, current sessions.Snapshot) (sessions.Snapshot, error) {
			return sessions.NewSnapshot(current.User, "from-sdk", "sdk-refresh", f.clk.Now().Add(time.Hour), f.clk.Now())
		})

		require.True(t, f.manager.Renew(ctx))
		token, _ := f.manager.GetToken(ctx)
		require.Equal(t, "from-sdk", token)
		require.Equal(t, 1, f.sdk.RefreshCalls())
		require.Zero(t, f.refresher.Calls())
	})

	t.Run("refresh endpoint is the fallback when the SDK fails", func(t *testing.T) {
		f := setupTestFixture(t, withSDK())
		f.login(t, testNow.Add(time.Minute))
		f.sdk.SetRefreshFunc(func(context.Context, sessions.Snapshot) (sessions.Snapshot, error) {
			return sessions.Snapshot{}, apperrors.ErrRefreshFailed
		})

		require.True(t, f.manager.Renew(ctx))
		require.Equal(t, 1, f.sdk.RefreshCalls())
		require.Equal(t, 1, f.refresher.Calls())
	})

	t.Run("panicking attempt is not counted", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Minute))
		f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
			panic("unexpected")
		})

		require.False(t, f.manager.Renew(ctx))
		status := f.manager.Status()
		require.Zero(t, status.RetryCount)
		require.False(t, status.BreakerBlocked)
		require.False(t, status.Refreshing)

		f.refresher.SetFunc(f.succeed(time.Hour))
		f.clk.Advance(time.Second)
		require.True(t, f.manager.Renew(ctx))
	})

	t.Run("operator reset closes the breaker", func(t *testing.T) {
		f := setupTestFixture(t, withSettings(func(s *lifecycle.Settings) {
			s.RateLimitInterval = 0
			s.MaxRetries = 1
		}))
		f.login(t, testNow.Add(time.Minute))
		f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
			return identity.Tokens{}, apperrors.ErrRefreshFailed
		})
		require.False(t, f.manager.Renew(ctx))
		require.True(t, f.manager.Status().BreakerBlocked)

		f.manager.ResetCircuitBreaker()
		f.refresher.SetFunc(f.succeed(time.Hour))
		require.True(t, f.manager.Renew(ctx))
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("clears everything and makes no network call", func(t *testing.T) {
		f := setupTestFixture(t, withSDK())
		f.sdk.SignOutErr = apperrors.ErrSDKUnavailable
		f.login(t, testNow.Add(time.Hour))

		f.manager.Logout(ctx)

		token, ok := f.manager.GetToken(ctx)
		require.False(t, ok)
		require.Empty(t, token)
		require.False(t, f.manager.IsLoggedIn())
		require.Zero(t, f.refresher.Calls())
		require.Nil(t, f.primary.Raw())
		require.Nil(t, f.backup.Raw())
		require.Equal(t, 1, f.sdk.SignOutCalls())

		logouts := f.events.ofType(events.Logout)
		require.Len(t, logouts, 1)
		require.Equal(t, "user-1", logouts[0].UserID)
	})

	t.Run("in-flight renewal result is discarded", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Minute))
		release := f.refresher.Hold()

		result := make(chan bool, 1)
		go func() { result <- f.manager.Renew(ctx) }()
		require.Eventually(t, func() bool { return f.refresher.Calls() == 1 }, time.Second, time.Millisecond)

		f.manager.Logout(ctx)
		release()

		require.False(t, <-result)
		require.Eventually(t, func() bool { return !f.manager.Status().Refreshing }, time.Second, time.Millisecond)
		require.False(t, f.manager.IsLoggedIn())
		_, ok := f.stored(t)
		require.False(t, ok)
		require.Empty(t, f.events.ofType(events.TokenRefreshed))
	})
}

func TestSetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the session and emits login", func(t *testing.T) {
		f := setupTestFixture(t, withSDK())
		s := f.login(t, testNow.Add(time.Hour))

		require.True(t, f.manager.IsLoggedIn())
		stored, ok := f.stored(t)
		require.True(t, ok)
		require.True(t, stored.SameSession(s))
		require.Equal(t, 1, f.sdk.SetCalls())

		logins := f.events.ofType(events.Login)
		require.Len(t, logins, 1)
		require.Equal(t, "user-1", logins[0].UserID)
	})

	t.Run("listeners observe the new state", func(t *testing.T) {
		f := setupTestFixture(t)
		var loggedIn bool
		f.manager.Events().AddEventListener(events.Login, func(events.Event) {
			loggedIn = f.manager.IsLoggedIn()
		})
		f.login(t, testNow.Add(time.Hour))
		require.True(t, loggedIn)
	})

	t.Run("rejects an empty snapshot", func(t *testing.T) {
		f := setupTestFixture(t)
		err := f.manager.SetSession(ctx, sessions.Snapshot{})
		require.ErrorIs(t, err, apperrors.ErrSnapshotMalformed)
		require.False(t, f.manager.IsLoggedIn())
	})

	t.Run("held even when storage fails", func(t *testing.T) {
		f := setupTestFixture(t)
		f.primary.FailWrites(true)
		f.backup.FailWrites(true)

		err := f.manager.SetSession(ctx, f.snapshot(t, "access-0", testNow.Add(time.Hour)))
		require.Error(t, err)
		require.True(t, f.manager.IsLoggedIn())
	})
}

func TestIsLoggedIn_GracePeriod(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.login(t, testNow.Add(10*time.Minute))
	// Coming back to the foreground renews; keep the session expired.
	f.refresher.SetFunc(func(context.Context, string) (identity.Tokens, error) {
		return identity.Tokens{}, apperrors.ErrRefreshFailed
	})

	f.clk.Advance(11 * time.Minute)
	require.False(t, f.manager.IsLoggedIn())

	f.manager.SetVisibility(ctx, false)
	require.True(t, f.manager.IsLoggedIn(), "backgrounded host gets the grace period")

	f.manager.SetVisibility(ctx, true)
	require.False(t, f.manager.IsLoggedIn())

	f.signal.suspected.Store(true)
	require.True(t, f.manager.IsLoggedIn(), "suspected suspension gets the grace period")

	f.clk.Advance(5 * time.Minute)
	require.False(t, f.manager.IsLoggedIn(), "grace period is bounded")
}

func TestSetVisibility(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	f.login(t, testNow.Add(time.Hour))

	calls := 0
	f.manager.OnVisible(func(context.Context) { calls++ })

	f.manager.SetVisibility(ctx, true)
	require.Zero(t, calls, "already visible")

	f.manager.SetVisibility(ctx, false)
	require.True(t, f.manager.Status().Backgrounded)
	f.manager.SetVisibility(ctx, true)
	require.Equal(t, 1, calls)
	require.False(t, f.manager.Status().Backgrounded)
}

func TestHandleUnauthorized(t *testing.T) {
	ctx := context.Background()

	t.Run("forces renewal of the rejected token", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(10*time.Minute))

		token, ok := f.manager.HandleUnauthorized(ctx, "access-0")
		require.True(t, ok)
		require.Equal(t, "access-1", token)
		require.Equal(t, 1, f.refresher.Calls())
	})

	t.Run("already replaced token is not renewed again", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Hour))

		token, ok := f.manager.HandleUnauthorized(ctx, "stale")
		require.True(t, ok)
		require.Equal(t, "access-0", token)
		require.Zero(t, f.refresher.Calls())
	})

	t.Run("no session", func(t *testing.T) {
		f := setupTestFixture(t)
		_, ok := f.manager.HandleUnauthorized(ctx, "access-0")
		require.False(t, ok)
	})
}

func TestAutoRenewLoop(t *testing.T) {
	f := setupTestFixture(t, withSettings(func(s *lifecycle.Settings) {
		s.AutoRenewInterval = time.Minute
	}))
	f.login(t, testNow.Add(10*time.Minute))

	f.clk.Advance(time.Minute)
	require.Never(t, func() bool { return f.refresher.Calls() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	f.clk.Advance(4 * time.Minute)
	require.Eventually(t, func() bool {
		token, _ := f.manager.GetToken(context.Background())
		return token == "access-1"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.refresher.Calls())

	f.manager.Logout(context.Background())
	f.clk.Advance(time.Hour)
	require.Never(t, func() bool { return f.refresher.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("fills an empty session", func(t *testing.T) {
		f := setupTestFixture(t)
		gen := f.manager.Generation()
		next, ok := f.manager.Restore(ctx, f.snapshot(t, "restored", testNow.Add(time.Hour)), gen)
		require.True(t, ok)
		require.NotEqual(t, gen, next)
		require.Equal(t, next, f.manager.Generation())
		token, _ := f.manager.GetToken(ctx)
		require.Equal(t, "restored", token)
		require.Len(t, f.events.ofType(events.Login), 1)
	})

	t.Run("only replaces with a newer session for the same user", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Hour))
		gen := f.manager.Generation()

		_, ok := f.manager.Restore(ctx, f.snapshot(t, "older", testNow.Add(time.Minute)), gen)
		require.False(t, ok)

		other := f.snapshot(t, "other-user", testNow.Add(2*time.Hour))
		other.User = &sessions.User{ID: "user-2"}
		_, ok = f.manager.Restore(ctx, other, gen)
		require.False(t, ok)

		_, ok = f.manager.Restore(ctx, f.snapshot(t, "newer", testNow.Add(2*time.Hour)), gen)
		require.True(t, ok)
		token, _ := f.manager.GetToken(ctx)
		require.Equal(t, "newer", token)
		require.Len(t, f.events.ofType(events.TokenRefreshed), 1)
	})

	t.Run("refused once the session was cleared", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.login(t, testNow.Add(time.Hour))
		gen := f.manager.Generation()
		f.manager.Logout(ctx)

		_, ok := f.manager.Restore(ctx, s, gen)
		require.False(t, ok)
		require.False(t, f.manager.IsLoggedIn())
		require.Len(t, f.events.ofType(events.Login), 1)
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("passes the held session", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.login(t, testNow.Add(time.Hour))

		var got sessions.Snapshot
		ok := f.manager.Reconcile(ctx, f.manager.Generation(), func(_ context.Context, current sessions.Snapshot) {
			got = current
		})
		require.True(t, ok)
		require.True(t, got.SameSession(s))
	})

	t.Run("skipped when logged out or replaced", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t, testNow.Add(time.Hour))
		gen := f.manager.Generation()
		called := false
		fn := func(context.Context, sessions.Snapshot) { called = true }

		f.login(t, testNow.Add(2*time.Hour))
		require.False(t, f.manager.Reconcile(ctx, gen, fn))

		f.manager.Logout(ctx)
		require.False(t, f.manager.Reconcile(ctx, f.manager.Generation(), fn))
		require.False(t, called)
	})
}

func TestStatus(t *testing.T) {
	f := setupTestFixture(t)

	raw, err := json.Marshal(f.manager.Status())
	require.NoError(t, err)
	require.NotContains(t, string(raw), "expires_at")
	require.NotContains(t, string(raw), "breaker_blocked_until")

	f.login(t, testNow.Add(time.Hour))
	status := f.manager.Status()
	require.NotNil(t, status.ExpiresAt)
	require.Equal(t, testNow.Add(time.Hour), *status.ExpiresAt)
	require.Nil(t, status.BreakerBlockedUntil)
}
