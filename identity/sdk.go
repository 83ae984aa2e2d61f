// Package identity talks to the identity backend: the optional backing SDK that
// keeps its own copy of the session, and the manual refresh endpoint.
package identity

import (
	"context"
	"time"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
)

// ErrRefreshRejected marks a refresh credential the backend refused outright.
// It is not worth retrying; the user has to sign in again.
var ErrRefreshRejected = apperrors.ErrRefreshRejected

// SDK is a backing identity SDK that holds its own session. Every call is best
// effort: callers log failures and carry on with their own fallback.
type SDK interface {
	// GetSession returns the SDK's live session or ErrNoSession.
	GetSession(ctx context.Context) (sessions.Snapshot, error)
	// RefreshSession renews using the SDK's own refresh material.
	RefreshSession(ctx context.Context) (sessions.Snapshot, error)
	SetSession(ctx context.Context, snapshot sessions.Snapshot) error
	SignOut(ctx context.Context) error
}

// Tokens is the outcome of a manual refresh. A nil User means the backend did not
// say who the tokens belong to, and an empty RefreshToken means it was not rotated.
type Tokens struct {
	User         *sessions.User
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for new tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}
