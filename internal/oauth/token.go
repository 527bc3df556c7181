package oauth

import (
	"strings"
	"time"
)

// Token is an OAuth access token plus its refresh material. ExpiresAt is
// derived from expires_in at parse time; a zero ExpiresAt never expires.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// stamp fills ExpiresAt from ExpiresIn relative to now.
func (t *Token) stamp(now time.Time) {
	if t.ExpiresIn > 0 && t.ExpiresAt.IsZero() {
		t.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
}

// Expired reports whether the access token is past its expiry.
func (t *Token) Expired() bool {
	return !t.ExpiresAt.IsZero() && !time.Now().Before(t.ExpiresAt)
}

// ExpiresSoon reports whether the token expires within RefreshBuffer,
// the trigger for an eager refresh.
func (t *Token) ExpiresSoon() bool {
	return !t.ExpiresAt.IsZero() && !time.Now().Add(RefreshBuffer).Before(t.ExpiresAt)
}

// Header renders the Authorization header value. A lowercase "bearer"
// token type from the server is canonicalized to "Bearer".
func (t *Token) Header() string {
	typ := t.TokenType
	if typ == "" || strings.EqualFold(typ, "bearer") {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}

// ClientInfo is a registered (or statically configured) OAuth client,
// cached per normalized server URL.
type ClientInfo struct {
	ClientID     string         `json:"client_id"`
	ClientSecret string         `json:"client_secret,omitempty"`
	Metadata     ClientMetadata `json:"metadata"`
}

// ClientMetadata is the RFC 7591 client metadata document.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
}

// AuthSession is one in-flight authorization-code attempt: the PKCE pair
// and the CSRF state, persisted until the callback completes or fails.
type AuthSession struct {
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
	State         string `json:"state"`
	RedirectURI   string `json:"redirect_uri"`
}
