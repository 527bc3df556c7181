// Package oauth implements the OAuth 2.1 client side used by the HTTP
// transports: metadata discovery (RFC 8414, RFC 9728), dynamic client
// registration (RFC 7591), the authorization-code flow with PKCE, the
// client-credentials flow, and token refresh.
package oauth

import (
	"errors"
	"time"
)

const (
	// DiscoveryTimeout bounds a single discovery or metadata fetch.
	DiscoveryTimeout = 5 * time.Second

	// TokenTimeout bounds token and registration endpoint requests.
	TokenTimeout = 30 * time.Second

	// RefreshBuffer is how far before expiry a token counts as expiring
	// soon and gets refreshed eagerly.
	RefreshBuffer = 5 * time.Minute
)

// GrantType selects the grant strategy of a provider.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
)

// Config configures a Provider.
type Config struct {
	// ServerURL is the protected MCP server. Used as the resource
	// indicator and, normalized, as the storage key.
	ServerURL string

	RedirectURI string
	Scope       string
	GrantType   GrantType // defaults to authorization_code

	// ClientID and ClientSecret skip dynamic registration when set.
	ClientID     string
	ClientSecret string

	ClientName string
	ClientURI  string

	// Storage defaults to a process-local MemoryStorage.
	Storage Storage
}

// ErrInvalidState rejects an authorization callback whose state does not
// match the stored AuthSession.
var ErrInvalidState = errors.New("oauth: state mismatch")

// ErrNoAuthSession rejects a callback with no authorization in flight.
var ErrNoAuthSession = errors.New("oauth: no authorization flow in progress")

// ErrNoRefreshToken means a refresh was requested but the stored token
// has no refresh_token.
var ErrNoRefreshToken = errors.New("oauth: no refresh token available")

// OAuthError is an RFC 6749 error response from an OAuth endpoint. It is
// raised for error bodies on any HTTP status, including 200.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	HTTPStatus  int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return "oauth: " + e.Code + ": " + e.Description
	}
	return "oauth: " + e.Code
}
