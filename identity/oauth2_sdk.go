package identity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// OAuth2SDK is a backing SDK over a standard OAuth2/OIDC provider. It keeps its
// own copy of the tokens in memory and renews them with the refresh_token grant.
type OAuth2SDK struct {
	config     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	nowFunc    func() time.Time
	log        zerolog.Logger

	mu    sync.RWMutex
	token *oauth2.Token
	user  *sessions.User

	// Several local callers (the manager, the consistency checker) may ask for a
	// refresh at once. Refresh tokens rotate, so only one request may be sent.
	group singleflight.Group
}

var _ SDK = (*OAuth2SDK)(nil)

// OAuth2Option configures an OAuth2SDK.
type OAuth2Option func(*OAuth2SDK)

func WithOAuth2HTTPClient(c *http.Client) OAuth2Option {
	return func(s *OAuth2SDK) {
		s.httpClient = c
	}
}

func WithOAuth2NowFunc(now func() time.Time) OAuth2Option {
	return func(s *OAuth2SDK) {
		s.nowFunc = now
	}
}

func WithOAuth2Logger(l zerolog.Logger) OAuth2Option {
	return func(s *OAuth2SDK) {
		s.log = l
	}
}

// NewOAuth2SDK builds an SDK from an explicit client config. verifier may be nil,
// in which case the user is read from an unverified ID token.
func NewOAuth2SDK(config *oauth2.Config, verifier *oidc.IDTokenVerifier, opts ...OAuth2Option) (*OAuth2SDK, error) {
	if config == nil {
		return nil, errors.New("[NewOAuth2SDK] oauth2 config is required")
	}
	if config.Endpoint.TokenURL == "" {
		return nil, errors.New("[NewOAuth2SDK] token endpoint is required")
	}
	s := &OAuth2SDK{
		config:   config,
		verifier: verifier,
		nowFunc:  time.Now,
		log:      log.With().Str("component", "identity-sdk").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DiscoverOAuth2SDK resolves the provider's endpoints and keys through OIDC
// discovery on issuer.
func DiscoverOAuth2SDK(ctx context.Context, issuer, clientID, clientSecret string, scopes []string, opts ...OAuth2Option) (*OAuth2SDK, error) {
	s := &OAuth2SDK{}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient != nil {
		ctx = oidc.ClientContext(ctx, s.httpClient)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "[DiscoverOAuth2SDK] oidc discovery")
	}
	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	return NewOAuth2SDK(config, provider.Verifier(&oidc.Config{ClientID: clientID}), opts...)
}

func (s *OAuth2SDK) GetSession(_ context.Context) (sessions.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil || s.user == nil {
		return sessions.Snapshot{}, apperrors.ErrNoSession
	}
	now := s.nowFunc()
	if !s.token.Expiry.IsZero() && !now.Before(s.token.Expiry) {
		return sessions.Snapshot{}, apperrors.ErrSessionExpired
	}
	return sessions.NewSnapshot(s.user, s.token.AccessToken, s.token.RefreshToken, s.token.Expiry, now)
}

func (s *OAuth2SDK) RefreshSession(ctx context.Context) (sessions.Snapshot, error) {
	v, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if shared {
		s.log.Debug().Msg("Joined in-flight SDK refresh")
	}
	if err != nil {
		return sessions.Snapshot{}, err
	}
	return v.(sessions.Snapshot), nil
}

func (s *OAuth2SDK) refresh(ctx context.Context) (sessions.Snapshot, error) {
	s.mu.RLock()
	var refreshToken string
	if s.token != nil {
		refreshToken = s.token.RefreshToken
	}
	user := s.user
	s.mu.RUnlock()

	if refreshToken == "" {
		return sessions.Snapshot{}, apperrors.ErrNoRefreshToken
	}
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}

	// An empty access token forces the source to use the refresh token.
	tok, err := s.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if apperrors.As(err, &re) && re.Response != nil {
			switch re.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return sessions.Snapshot{}, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
			}
		}
		return sessions.Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrRefreshFailed, err)
	}

	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		u, err := s.userFromIDToken(ctx, idToken)
		if err != nil {
			return sessions.Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrRefreshFailed, err)
		}
		user = u
	}
	if user == nil {
		return sessions.Snapshot{}, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, apperrors.ErrTokenWithoutUser)
	}

	if tok.Expiry.IsZero() {
		exp, err := ExpiryFromJWT(tok.AccessToken)
		if err != nil {
			return sessions.Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrRefreshFailed, err)
		}
		tok.Expiry = exp
	}

	snapshot, err := sessions.NewSnapshot(user, tok.AccessToken, tok.RefreshToken, tok.Expiry, s.nowFunc())
	if err != nil {
		return sessions.Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrRefreshFailed, err)
	}

	s.mu.Lock()
	s.token = tok
	s.user = snapshot.User
	s.mu.Unlock()
	return snapshot, nil
}

func (s *OAuth2SDK) userFromIDToken(ctx context.Context, raw string) (*sessions.User, error) {
	if s.verifier == nil {
		return UserFromJWT(raw)
	}
	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(err, "verify id_token")
	}
	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "id_token claims")
	}
	return &sessions.User{ID: idToken.Subject, Email: claims.Email, Name: claims.Name}, nil
}

func (s *OAuth2SDK) SetSession(_ context.Context, snapshot sessions.Snapshot) error {
	if snapshot.User == nil || snapshot.AccessToken == "" {
		return apperrors.ErrNoSession
	}
	u := *snapshot.User
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = &oauth2.Token{
		AccessToken:  snapshot.AccessToken,
		RefreshToken: snapshot.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       snapshot.ExpiresAt,
	}
	s.user = &u
	return nil
}

func (s *OAuth2SDK) SignOut(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	s.user = nil
	return nil
}
