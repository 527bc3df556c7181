package mcp

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHeaderRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://example.test/mcp", nil)
	require.NoError(t, err)
	return req
}

func TestSetHeadersOAuthBeatsCustomAuthorization(t *testing.T) {
	auth := &httpAuth{cfg: TransportConfig{
		OAuth:   &stubAuthorizer{token: "fresh"},
		Headers: map[string]string{"Authorization": "Basic stale", "X-Custom": "yes"},
	}}
	req := newHeaderRequest(t)
	require.NoError(t, auth.setHeaders(context.Background(), req, "2025-03-26"))

	assert.Equal(t, "Bearer fresh", req.Header.Get("Authorization"))
	assert.Equal(t, "yes", req.Header.Get("X-Custom"))
	assert.Equal(t, "2025-03-26", req.Header.Get("MCP-Protocol-Version"))
}

func TestSetHeadersBearerTokenBeatsCustomAuthorization(t *testing.T) {
	auth := &httpAuth{cfg: TransportConfig{
		BearerToken: "sekrit",
		Headers:     map[string]string{"Authorization": "Basic stale"},
	}}
	req := newHeaderRequest(t)
	require.NoError(t, auth.setHeaders(context.Background(), req, ""))

	assert.Equal(t, "Bearer sekrit", req.Header.Get("Authorization"))
}

func TestSetHeadersCustomAuthorizationWithoutCredentials(t *testing.T) {
	auth := &httpAuth{cfg: TransportConfig{
		Headers: map[string]string{"Authorization": "Basic abc"},
	}}
	req := newHeaderRequest(t)
	require.NoError(t, auth.setHeaders(context.Background(), req, ""))
	assert.Equal(t, "Basic abc", req.Header.Get("Authorization"))

	// An OAuth provider without a token yet leaves the custom value alone.
	auth = &httpAuth{cfg: TransportConfig{
		OAuth:   &stubAuthorizer{},
		Headers: map[string]string{"Authorization": "Basic abc"},
	}}
	req = newHeaderRequest(t)
	require.NoError(t, auth.setHeaders(context.Background(), req, ""))
	assert.Equal(t, "Basic abc", req.Header.Get("Authorization"))
}
