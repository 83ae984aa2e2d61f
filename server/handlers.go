package server

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	maxBodyBytes    = 64 << 10
)

// TokenResponse is returned by the token and unauthorized routes.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// UnauthorizedRequest names the access token that was rejected with a 401.
type UnauthorizedRequest struct {
	AccessToken string `json:"access_token"`
}

// SessionResponse reports the outcome of setting a session.
type SessionResponse struct {
	LoggedIn  bool `json:"logged_in"`
	Persisted bool `json:"persisted"`
}

// TokenHandler returns the current access token, renewing it first if needed.
func (s *Server) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.manager.GetToken(r.Context())
		if !ok {
			writeJSONError(w, "no_session", "no valid session", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "Bearer"})
	}
}

// StatusHandler returns the manager status.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.manager.Status())
	}
}

// SetSessionHandler accepts a session snapshot from an interactive sign-in.
func (s *Server) SetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var snapshot sessions.Snapshot
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&snapshot); err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		err := s.manager.SetSession(r.Context(), snapshot)
		switch {
		case apperrors.Is(err, apperrors.ErrSnapshotMalformed):
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			// The session is held in memory even though storage is behind.
			s.log.Warn().Err(err).Str("request_id", requestID(r)).Msg("Session set but not persisted")
		}
		writeJSON(w, http.StatusOK, SessionResponse{LoggedIn: s.manager.IsLoggedIn(), Persisted: err == nil})
	}
}

// LogoutHandler clears the session everywhere.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.manager.Logout(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

// UnauthorizedHandler is called by a collaborator whose request was answered
// with 401. It returns the token to retry with.
func (s *Server) UnauthorizedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UnauthorizedRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}
		if req.AccessToken == "" {
			writeJSONError(w, "invalid_request", "access_token is required", http.StatusBadRequest)
			return
		}

		token, ok := s.manager.HandleUnauthorized(r.Context(), req.AccessToken)
		if !ok {
			writeJSONError(w, "no_session", "session could not be renewed", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "Bearer"})
	}
}

// BreakerResetHandler closes the renewal circuit breaker.
func (s *Server) BreakerResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.manager.ResetCircuitBreaker()
		w.WriteHeader(http.StatusNoContent)
	}
}

// ConsistencyCheckHandler runs one consistency pass and returns its report.
func (s *Server) ConsistencyCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.checker.Check(r.Context()))
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an OAuth2-style error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
