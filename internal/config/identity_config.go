package config

import "strings"

type IdentityConfig interface {
	GetIdentityBaseURL() string
	GetRefreshPath() string
	GetOIDCIssuer() string
	GetOIDCClientID() string
	GetOIDCClientSecret() string
	GetOIDCScopes() []string
}

type Identity struct {
	file *FileValues
}

var _ IdentityConfig = Identity{}

// GetIdentityBaseURL returns the base URL of the identity backend (e.g., "https://id.example.com").
// The manual refresh strategy posts to GetIdentityBaseURL()+GetRefreshPath().
func (i Identity) GetIdentityBaseURL() string {
	return GetEnv("IDENTITY_BASE_URL", firstNonEmpty(i.values().BaseURL, "http://localhost:8080"))
}

func (i Identity) GetRefreshPath() string {
	return GetEnv("IDENTITY_REFRESH_PATH", firstNonEmpty(i.values().RefreshPath, "/auth/refresh"))
}

// GetOIDCIssuer enables the OAuth2/OIDC backed SDK when set.
func (i Identity) GetOIDCIssuer() string {
	return GetEnv("OIDC_ISSUER", i.values().OIDCIssuer)
}

func (i Identity) GetOIDCClientID() string {
	return GetEnv("OIDC_CLIENT_ID", i.values().ClientID)
}

func (i Identity) GetOIDCClientSecret() string {
	return GetEnv("OIDC_CLIENT_SECRET", i.values().ClientSecret)
}

func (i Identity) GetOIDCScopes() []string {
	if v := GetEnv("OIDC_SCOPES", ""); v != "" {
		return strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	if len(i.values().Scopes) > 0 {
		return i.values().Scopes
	}
	return []string{"openid", "profile", "email", "offline_access"}
}

func (i Identity) values() IdentityFile {
	if i.file == nil {
		return IdentityFile{}
	}
	return i.file.Identity
}
