package identitytest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type storedRefreshToken struct {
	Token    string
	UserID   string
	ClientID string
	Iat      time.Time
}

// refreshTokens issues opaque refresh tokens, one per user, and rotates them on
// every use.
type refreshTokens struct {
	tokens  map[string]*storedRefreshToken
	userIDs map[string]string // user ID to token
	ttl     time.Duration
	nowFunc func() time.Time
	lock    sync.Mutex
}

func newRefreshTokens(ttl time.Duration, nowFunc func() time.Time) *refreshTokens {
	return &refreshTokens{
		tokens:  make(map[string]*storedRefreshToken),
		userIDs: make(map[string]string),
		ttl:     ttl,
		nowFunc: nowFunc,
	}
}

func (r *refreshTokens) Create(clientID, userID string) (string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.createLocked(clientID, userID)
}

func (r *refreshTokens) createLocked(clientID, userID string) (string, error) {
	if existing, ok := r.userIDs[userID]; ok {
		delete(r.tokens, existing)
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	r.tokens[token] = &storedRefreshToken{Token: token, UserID: userID, ClientID: clientID, Iat: r.nowFunc()}
	r.userIDs[userID] = token
	return token, nil
}

// Rotate consumes token and issues its replacement.
func (r *refreshTokens) Rotate(token string) (*storedRefreshToken, string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	rt, ok := r.tokens[token]
	if !ok {
		return nil, "", fmt.Errorf("unknown refresh token")
	}
	if r.ttl > 0 && r.nowFunc().Sub(rt.Iat) > r.ttl {
		r.deleteLocked(rt)
		return nil, "", fmt.Errorf("refresh token expired")
	}
	next, err := r.createLocked(rt.ClientID, rt.UserID)
	if err != nil {
		return nil, "", err
	}
	return rt, next, nil
}

func (r *refreshTokens) Revoke(token string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	rt, ok := r.tokens[token]
	if !ok {
		return false
	}
	r.deleteLocked(rt)
	return true
}

func (r *refreshTokens) RevokeAll() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.tokens = make(map[string]*storedRefreshToken)
	r.userIDs = make(map[string]string)
}

func (r *refreshTokens) deleteLocked(rt *storedRefreshToken) {
	delete(r.tokens, rt.Token)
	if r.userIDs[rt.UserID] == rt.Token {
		delete(r.userIDs, rt.UserID)
	}
}
