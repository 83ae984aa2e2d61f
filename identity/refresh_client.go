package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultRefreshTimeout = 5 * time.Second

// RefreshClient performs the manual renewal: POST {refresh_token} to the backend's
// refresh endpoint. The backend may answer {"session": {...}} or a plain token
// response.
type RefreshClient struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	nowFunc    func() time.Time
	log        zerolog.Logger
}

var _ Refresher = (*RefreshClient)(nil)

// RefreshClientOption configures a RefreshClient.
type RefreshClientOption func(*RefreshClient)

func WithHTTPClient(c *http.Client) RefreshClientOption {
	return func(rc *RefreshClient) {
		rc.httpClient = c
	}
}

func WithTimeout(d time.Duration) RefreshClientOption {
	return func(rc *RefreshClient) {
		rc.timeout = d
	}
}

// WithNowFunc sets the clock used to turn expires_in into an absolute time.
func WithNowFunc(now func() time.Time) RefreshClientOption {
	return func(rc *RefreshClient) {
		rc.nowFunc = now
	}
}

func WithLogger(l zerolog.Logger) RefreshClientOption {
	return func(rc *RefreshClient) {
		rc.log = l
	}
}

// NewRefreshClient creates a client for the refresh endpoint at baseURL joined with path.
func NewRefreshClient(baseURL, path string, opts ...RefreshClientOption) (*RefreshClient, error) {
	if baseURL == "" {
		return nil, errors.New("[NewRefreshClient] base URL is required")
	}
	rc := &RefreshClient{
		endpoint:   strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		httpClient: http.DefaultClient,
		timeout:    DefaultRefreshTimeout,
		nowFunc:    time.Now,
		log:        log.With().Str("component", "identity").Logger(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc, nil
}

func (rc *RefreshClient) Endpoint() string {
	return rc.endpoint
}

type refreshResponse struct {
	Session json.RawMessage `json:"session,omitempty"`
	TokenResponse
}

// Refresh returns ErrRefreshRejected when the backend refuses the refresh token
// (400, 401, 403) and ErrRefreshFailed for anything that may succeed on retry.
func (rc *RefreshClient) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, apperrors.ErrNoRefreshToken
	}

	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return Tokens{}, errors.Wrap(err, "[RefreshClient Refresh] marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.endpoint, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, errors.Wrap(err, "[RefreshClient Refresh] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := rc.httpClient.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", apperrors.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: read body: %v", apperrors.ErrRefreshFailed, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return Tokens{}, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	default:
		return Tokens{}, fmt.Errorf("%w: status %d", apperrors.ErrRefreshFailed, resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return Tokens{}, fmt.Errorf("%w: decode body: %v", apperrors.ErrRefreshFailed, err)
	}

	if len(rr.Session) > 0 && string(rr.Session) != "null" {
		s, err := sessions.Decode(rr.Session)
		if err != nil {
			return Tokens{}, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
		}
		return Tokens{User: s.User, AccessToken: s.AccessToken, RefreshToken: s.RefreshToken, ExpiresAt: s.ExpiresAt}, nil
	}
	return rc.fromTokenResponse(rr.TokenResponse)
}

func (rc *RefreshClient) fromTokenResponse(tr TokenResponse) (Tokens, error) {
	if tr.AccessToken == nil || *tr.AccessToken == "" {
		return Tokens{}, fmt.Errorf("%w: response carries no access token", apperrors.ErrRefreshFailed)
	}
	t := Tokens{AccessToken: *tr.AccessToken}
	if tr.RefreshToken != nil {
		t.RefreshToken = *tr.RefreshToken
	}

	if tr.ExpiresIn > 0 {
		t.ExpiresAt = rc.nowFunc().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		exp, err := ExpiryFromJWT(t.AccessToken)
		if err != nil {
			return Tokens{}, fmt.Errorf("%w: no expires_in and %v", apperrors.ErrRefreshFailed, err)
		}
		t.ExpiresAt = exp
	}

	if tr.IdToken != nil && *tr.IdToken != "" {
		user, err := UserFromJWT(*tr.IdToken)
		if err != nil {
			rc.log.Warn().Err(err).Msg("Ignoring unreadable id_token in refresh response")
		} else {
			t.User = user
		}
	}
	return t, nil
}
