package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
)

// The session manager is not the audience of the tokens it holds, so claims are
// read without verifying the signature. They are only used for scheduling.
var parser = jwt.NewParser()

// ExpiryFromJWT reads the exp claim of a JWT access token.
func ExpiryFromJWT(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidTokenClaim, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", apperrors.ErrInvalidTokenClaim)
	}
	return exp.Time, nil
}

// UserFromJWT builds a user from the sub, email and name claims of an ID token.
func UserFromJWT(token string) (*sessions.User, error) {
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidTokenClaim, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", apperrors.ErrInvalidTokenClaim)
	}
	user := &sessions.User{ID: sub}
	user.Email, _ = claims["email"].(string)
	user.Name, _ = claims["name"].(string)
	return user, nil
}
