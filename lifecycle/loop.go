package lifecycle

import (
	"context"
)

// startLoop runs the auto-renew check every AutoRenewInterval until Logout or
// Close. Calling it again while running is a no-op.
func (m *Manager) startLoop() {
	if m.settings.AutoRenewInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.closed || m.loopCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.loopWG.Add(1)
	m.mu.Unlock()

	ticker := m.clock.NewTicker(m.settings.AutoRenewInterval)
	go func() {
		defer m.loopWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.renewIfDue(ctx)
			}
		}
	}()
}

// stopLoop cancels the loop without waiting for it, so it is safe to call from
// an event listener running on the loop goroutine.
func (m *Manager) stopLoop() {
	m.mu.Lock()
	cancel := m.loopCancel
	m.loopCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// renewIfDue starts a background renewal when the token is inside the renewal
// threshold. It never waits for the result.
func (m *Manager) renewIfDue(ctx context.Context) bool {
	now := m.clock.Now()
	m.mu.Lock()
	due := m.state.user != nil && m.state.accessToken != "" && m.shouldRenewSoonLocked(now)
	m.mu.Unlock()

	if !due {
		return false
	}
	m.log.Debug().Msg("Token inside renewal threshold, renewing in background")
	return m.startRenewal(ctx) != nil
}

// OnVisible registers f to run when the host reports it is visible again after
// being backgrounded.
func (m *Manager) OnVisible(f func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onVisible = append(m.onVisible, f)
}

// SetVisibility records whether the host is in the foreground. While backgrounded
// the expiry grace period applies. Coming back runs the OnVisible hooks and
// renews if a renewal is due.
func (m *Manager) SetVisibility(ctx context.Context, visible bool) {
	m.mu.Lock()
	resumed := visible && m.backgrounded
	m.backgrounded = !visible
	hooks := append([]func(context.Context){}, m.onVisible...)
	m.mu.Unlock()

	if !resumed {
		return
	}
	m.log.Debug().Msg("Host visible again")
	for _, f := range hooks {
		f(ctx)
	}
	m.renewIfDue(ctx)
}
