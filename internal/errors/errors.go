package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session manager
var (
	// Session errors
	ErrNoSession         = errors.New("no session")
	ErrSessionExpired    = errors.New("session expired")
	ErrSnapshotMalformed = errors.New("malformed session snapshot")
	ErrTokenWithoutUser  = errors.New("access token without owning user")

	// Storage errors
	ErrSlotEmpty    = errors.New("storage slot empty")
	ErrNoSlots      = errors.New("no storage slots configured")
	ErrSealFailed   = errors.New("failed to seal snapshot")
	ErrUnsealFailed = errors.New("failed to unseal snapshot")

	// Renewal errors
	ErrRenewalRefused    = errors.New("renewal refused")
	ErrNoRefreshToken    = errors.New("no refresh token")
	ErrRefreshRejected   = errors.New("refresh token rejected")
	ErrRefreshFailed     = errors.New("refresh failed")
	ErrSDKUnavailable    = errors.New("identity sdk unavailable")
	ErrInvalidTokenClaim = errors.New("invalid token claim")

	// General errors
	ErrNotFound    = errors.New("not found")
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
