package fakesdk

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-session/identity"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
)

var _ identity.Refresher = (*FakeRefresher)(nil)

// FakeRefresher stands in for the refresh endpoint. While a gate is set every call
// blocks until the gate is closed.
type FakeRefresher struct {
	refreshFunc func(ctx context.Context, refreshToken string) (identity.Tokens, error)
	gate        chan struct{}
	calls       []string
	lock        sync.Mutex
}

func NewFakeRefresher(fn func(ctx context.Context, refreshToken string) (identity.Tokens, error)) *FakeRefresher {
	return &FakeRefresher{refreshFunc: fn}
}

func (f *FakeRefresher) Refresh(ctx context.Context, refreshToken string) (identity.Tokens, error) {
	f.lock.Lock()
	f.calls = append(f.calls, refreshToken)
	fn := f.refreshFunc
	gate := f.gate
	f.lock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return identity.Tokens{}, ctx.Err()
		}
	}
	if fn == nil {
		return identity.Tokens{}, apperrors.ErrRefreshFailed
	}
	return fn(ctx, refreshToken)
}

func (f *FakeRefresher) SetFunc(fn func(ctx context.Context, refreshToken string) (identity.Tokens, error)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.refreshFunc = fn
}

// Hold makes subsequent calls block until the returned release func is called.
func (f *FakeRefresher) Hold() (release func()) {
	gate := make(chan struct{})
	f.lock.Lock()
	f.gate = gate
	f.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.lock.Lock()
			f.gate = nil
			f.lock.Unlock()
			close(gate)
		})
	}
}

func (f *FakeRefresher) Calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.calls)
}

// Tokens returns the refresh tokens presented, in call order.
func (f *FakeRefresher) Tokens() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.calls...)
}
