package fakesdk

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-session/identity"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
)

var _ identity.SDK = (*FakeSDK)(nil)

// FakeSDK holds a session in memory. RefreshFunc, when set, decides the outcome of
// RefreshSession; otherwise refresh fails with ErrSDKUnavailable.
type FakeSDK struct {
	session     sessions.Snapshot
	RefreshFunc func(ctx context.Context, current sessions.Snapshot) (sessions.Snapshot, error)
	GetErr      error
	SetErr      error
	SignOutErr  error

	getCalls     int
	refreshCalls int
	setCalls     int
	signOutCalls int
	lock         sync.Mutex
}

func NewFakeSDK() *FakeSDK {
	return &FakeSDK{}
}

func (f *FakeSDK) GetSession(_ context.Context) (sessions.Snapshot, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.getCalls++
	if f.GetErr != nil {
		return sessions.Snapshot{}, f.GetErr
	}
	if f.session.IsZero() {
		return sessions.Snapshot{}, apperrors.ErrNoSession
	}
	return f.session, nil
}

func (f *FakeSDK) RefreshSession(ctx context.Context) (sessions.Snapshot, error) {
	f.lock.Lock()
	f.refreshCalls++
	current := f.session
	refresh := f.RefreshFunc
	f.lock.Unlock()

	if refresh == nil {
		return sessions.Snapshot{}, apperrors.ErrSDKUnavailable
	}
	s, err := refresh(ctx, current)
	if err != nil {
		return sessions.Snapshot{}, err
	}

	f.lock.Lock()
	f.session = s
	f.lock.Unlock()
	return s, nil
}

func (f *FakeSDK) SetSession(_ context.Context, snapshot sessions.Snapshot) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.setCalls++
	if f.SetErr != nil {
		return f.SetErr
	}
	f.session = snapshot
	return nil
}

func (f *FakeSDK) SignOut(_ context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.signOutCalls++
	f.session = sessions.Snapshot{}
	return f.SignOutErr
}

// Session returns what the SDK currently holds.
func (f *FakeSDK) Session() sessions.Snapshot {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.session
}

// Put replaces the held session without counting a SetSession call.
func (f *FakeSDK) Put(s sessions.Snapshot) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.session = s
}

func (f *FakeSDK) SetRefreshFunc(fn func(ctx context.Context, current sessions.Snapshot) (sessions.Snapshot, error)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.RefreshFunc = fn
}

func (f *FakeSDK) RefreshCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.refreshCalls
}

func (f *FakeSDK) SetCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.setCalls
}

func (f *FakeSDK) SignOutCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.signOutCalls
}

func (f *FakeSDK) GetCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.getCalls
}
