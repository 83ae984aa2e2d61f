package sessions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
)

var validate = validator.New()

// User is the identity that owns a session. Only the ID is required; the rest is
// whatever the identity backend chose to return.
type User struct {
	ID    string `json:"id" validate:"required"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Name  string `json:"name,omitempty"`
}

// Snapshot is an immutable, serialisable copy of a session. Build one with
// NewSnapshot or Decode; both enforce that an access token always has an owning user.
type Snapshot struct {
	User         *User
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	LastUpdated  time.Time
}

// snapshotWire is the JSON form. Timestamps are Unix milliseconds.
type snapshotWire struct {
	User         *User  `json:"user" validate:"required"`
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at" validate:"gt=0"`
	LastUpdated  int64  `json:"last_updated,omitempty" validate:"gte=0"`
}

// NewSnapshot validates the fields and returns a Snapshot.
func NewSnapshot(user *User, accessToken, refreshToken string, expiresAt, lastUpdated time.Time) (Snapshot, error) {
	s := Snapshot{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		LastUpdated:  lastUpdated,
	}
	if user != nil {
		u := *user
		s.User = &u
	}
	if err := validate.Struct(s.toWire()); err != nil {
		return Snapshot{}, validationError(err)
	}
	return s, nil
}

// Decode is the single parsing boundary for stored or received snapshots.
// Anything partially valid is rejected with ErrSnapshotMalformed.
func Decode(data []byte) (Snapshot, error) {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrSnapshotMalformed, err)
	}
	return fromWire(w)
}

// Encode serialises the snapshot to its stored JSON form.
func Encode(s Snapshot) ([]byte, error) {
	w := s.toWire()
	if err := validate.Struct(w); err != nil {
		return nil, validationError(err)
	}
	return json.Marshal(w)
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toWire())
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrSnapshotMalformed, err)
	}
	decoded, err := fromWire(w)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

func fromWire(w snapshotWire) (Snapshot, error) {
	if w.User == nil && w.AccessToken != "" {
		return Snapshot{}, fmt.Errorf("%w: %w", apperrors.ErrSnapshotMalformed, apperrors.ErrTokenWithoutUser)
	}
	if err := validate.Struct(w); err != nil {
		return Snapshot{}, validationError(err)
	}
	s := Snapshot{
		User:         w.User,
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		ExpiresAt:    time.UnixMilli(w.ExpiresAt),
	}
	if w.LastUpdated > 0 {
		s.LastUpdated = time.UnixMilli(w.LastUpdated)
	}
	return s, nil
}

func (s Snapshot) toWire() snapshotWire {
	w := snapshotWire{
		User:         s.User,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
	}
	if !s.ExpiresAt.IsZero() {
		w.ExpiresAt = s.ExpiresAt.UnixMilli()
	}
	if !s.LastUpdated.IsZero() {
		w.LastUpdated = s.LastUpdated.UnixMilli()
	}
	return w
}

func validationError(err error) error {
	var ve validator.ValidationErrors
	if apperrors.As(err, &ve) {
		for _, fe := range ve {
			if fe.Field() == "User" {
				return fmt.Errorf("%w: %w", apperrors.ErrSnapshotMalformed, apperrors.ErrTokenWithoutUser)
			}
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrSnapshotMalformed, err)
}

// IsZero reports whether the snapshot holds no session at all.
func (s Snapshot) IsZero() bool {
	return s.AccessToken == "" && s.User == nil
}

// ExpiredAt reports whether the access token is past its nominal expiry at now.
func (s Snapshot) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SameSession reports whether two snapshots carry the same credentials. LastUpdated
// is ignored so a rewrite of identical tokens is not treated as drift.
func (s Snapshot) SameSession(other Snapshot) bool {
	if s.AccessToken != other.AccessToken || s.RefreshToken != other.RefreshToken {
		return false
	}
	if s.ExpiresAt.UnixMilli() != other.ExpiresAt.UnixMilli() {
		return false
	}
	return s.UserID() == other.UserID()
}

func (s Snapshot) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
