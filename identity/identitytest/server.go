package identitytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultClientID       = "session-keeper"
	DefaultAccessTokenTTL = 15 * time.Minute

	DiscoveryPath = "/.well-known/openid-configuration"
	JWKSPath      = "/jwks"
	TokenPath     = "/oauth2/token"
	RefreshPath   = "/auth/refresh"
)

// Server is an in-process identity provider for development and tests.
type Server struct {
	issuer    string
	clientID  string
	signer    *Signer
	accessTTL time.Duration
	nowFunc   func() time.Time
	refresh   *refreshTokens
	log       zerolog.Logger
	mux       *http.ServeMux
	ts        *httptest.Server

	mu           sync.Mutex
	users        map[string]sessions.User
	failures     []int
	delay        time.Duration
	refreshCalls int
}

// Option configures a Server.
type Option func(*Server)

func WithClientID(id string) Option {
	return func(s *Server) {
		s.clientID = id
	}
}

func WithAccessTokenTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// WithRefreshTokenTTL bounds how long an unused refresh token stays valid.
func WithRefreshTokenTTL(d time.Duration) Option {
	return func(s *Server) {
		s.refresh.ttl = d
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Server) {
		s.nowFunc = now
		s.refresh.nowFunc = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// New builds a backend that will be reachable at issuer. Serve it with Handler.
func New(issuer string, opts ...Option) (*Server, error) {
	keyPair, err := GenerateRSAKeyPair(uuid.NewString(), 2048)
	if err != nil {
		return nil, err
	}
	s := &Server{
		issuer:    issuer,
		clientID:  DefaultClientID,
		signer:    NewSigner(keyPair),
		accessTTL: DefaultAccessTokenTTL,
		nowFunc:   time.Now,
		log:       log.With().Str("component", "dev-idp").Logger(),
		users:     make(map[string]sessions.User),
	}
	s.refresh = newRefreshTokens(0, time.Now)
	for _, opt := range opts {
		opt(s)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET "+DiscoveryPath, s.discoveryHandler)
	s.mux.HandleFunc("GET "+JWKSPath, s.jwksHandler)
	s.mux.HandleFunc("POST "+TokenPath, s.tokenHandler)
	s.mux.HandleFunc("POST "+RefreshPath, s.refreshHandler)
	return s, nil
}

// Start serves a new backend on a loopback httptest server.
func Start(opts ...Option) (*Server, error) {
	ts := httptest.NewUnstartedServer(nil)
	s, err := New("http://"+ts.Listener.Addr().String(), opts...)
	if err != nil {
		ts.Close()
		return nil, err
	}
	ts.Config.Handler = s.mux
	ts.Start()
	s.ts = ts
	return s, nil
}

func (s *Server) Close() {
	if s.ts != nil {
		s.ts.Close()
	}
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) URL() string {
	return s.issuer
}

func (s *Server) ClientID() string {
	return s.clientID
}

func (s *Server) Signer() *Signer {
	return s.signer
}

// Login stands in for interactive sign-in: it registers user and issues a fresh
// session for it.
func (s *Server) Login(user sessions.User) (sessions.Snapshot, error) {
	s.mu.Lock()
	s.users[user.ID] = user
	s.mu.Unlock()

	refreshToken, err := s.refresh.Create(s.clientID, user.ID)
	if err != nil {
		return sessions.Snapshot{}, err
	}
	access, _, expiresAt, err := s.issue(user, s.clientID)
	if err != nil {
		return sessions.Snapshot{}, err
	}
	return sessions.NewSnapshot(&user, access, refreshToken, expiresAt, s.nowFunc())
}

// FailNext makes the next n refresh requests, on either endpoint, answer status.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, status)
	}
}

// SetDelay holds every refresh response for d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func (s *Server) Revoke(refreshToken string) bool {
	return s.refresh.Revoke(refreshToken)
}

func (s *Server) RevokeAll() {
	s.refresh.RevokeAll()
}

func (s *Server) issue(user sessions.User, clientID string) (access, idToken string, expiresAt time.Time, err error) {
	now := s.nowFunc()
	exp := now.Add(s.accessTTL)

	access, err = s.signer.Sign(jwtlib.MapClaims{
		"iss":        s.issuer,
		"aud":        s.issuer,
		"sub":        user.ID,
		"client_id":  clientID,
		"token_type": "user",
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
		"jti":        uuid.NewString(),
	})
	if err != nil {
		return "", "", time.Time{}, err
	}

	idToken, err = s.signer.Sign(jwtlib.MapClaims{
		"iss":   s.issuer,
		"sub":   user.ID,
		"aud":   clientID,
		"email": user.Email,
		"name":  user.Name,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
		"jti":   uuid.NewString(),
	})
	if err != nil {
		return "", "", time.Time{}, err
	}
	return access, idToken, time.Unix(exp.Unix(), 0), nil
}

// beginRefresh counts the call, applies the configured delay, and returns an
// injected failure status or 0.
func (s *Server) beginRefresh(r *http.Request) int {
	s.mu.Lock()
	s.refreshCalls++
	delay := s.delay
	status := 0
	if len(s.failures) > 0 {
		status = s.failures[0]
		s.failures = s.failures[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
		}
	}
	return status
}

func (s *Server) rotate(refreshToken string) (sessions.User, string, error) {
	rt, next, err := s.refresh.Rotate(refreshToken)
	if err != nil {
		return sessions.User{}, "", err
	}
	s.mu.Lock()
	user, ok := s.users[rt.UserID]
	s.mu.Unlock()
	if !ok {
		return sessions.User{}, "", fmt.Errorf("unknown user %s", rt.UserID)
	}
	return user, next, nil
}

func (s *Server) discoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.issuer,
		"authorization_endpoint":                s.issuer + "/authorize",
		"token_endpoint":                        s.issuer + TokenPath,
		"jwks_uri":                              s.issuer + JWKSPath,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{RS256},
	})
}

func (s *Server) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	jwks, err := s.signer.JWKS()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, jwks)
}

func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if status := s.beginRefresh(r); status != 0 {
		writeJSONError(w, status, "temporarily_unavailable")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" {
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	clientID, _, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
	}
	if clientID != s.clientID {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	user, next, err := s.rotate(r.PostForm.Get("refresh_token"))
	if err != nil {
		s.log.Debug().Err(err).Msg("Refresh grant rejected")
		writeJSONError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	access, idToken, _, err := s.issue(user, clientID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, identity.TokenResponse{
		AccessToken:  &access,
		IdToken:      &idToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		RefreshToken: &next,
		Scope:        "openid profile email offline_access",
	})
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if status := s.beginRefresh(r); status != 0 {
		writeJSONError(w, status, "temporarily_unavailable")
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	user, next, err := s.rotate(req.RefreshToken)
	if err != nil {
		s.log.Debug().Err(err).Msg("Refresh rejected")
		writeJSONError(w, http.StatusUnauthorized, "invalid_grant")
		return
	}
	access, _, expiresAt, err := s.issue(user, s.clientID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}
	snapshot, err := sessions.NewSnapshot(&user, access, next, expiresAt, s.nowFunc())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": snapshot})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
