package identity

// TokenResponse is the RFC 6749 token endpoint response. The refresh endpoint may
// answer with this instead of a session object.
type TokenResponse struct {
	AccessToken *string `json:"access_token,omitempty"`

	// IdToken is only present when the openid scope was granted. Its claims name
	// the user the tokens belong to.
	IdToken *string `json:"id_token,omitempty"`

	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the access token lifetime in seconds. When absent the JWT exp
	// claim is used.
	ExpiresIn int `json:"expires_in,omitempty"`

	// RefreshToken is the rotated refresh token, if the backend rotates them.
	RefreshToken *string `json:"refresh_token,omitempty"`

	Scope string `json:"scope,omitempty"`
}

// refreshRequest is the body POSTed to the refresh endpoint.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
