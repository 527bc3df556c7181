package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpkit/internal/mcp"
)

// authTestServer is a scriptable OAuth authorization server that also
// plays the protected resource: well-known metadata, dynamic
// registration, and a token endpoint driven by onToken.
type authTestServer struct {
	*httptest.Server
	onToken       func(w http.ResponseWriter, form url.Values)
	onRegister    func(w http.ResponseWriter, req ClientMetadata) bool // true when handled
	registrations int

	mu         sync.Mutex
	tokenForms []url.Values
}

func newAuthTestServer(t *testing.T) *authTestServer {
	t.Helper()
	s := &authTestServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, ServerMetadata{
			Issuer:                        s.URL,
			AuthorizationEndpoint:         s.URL + "/authorize",
			TokenEndpoint:                 s.URL + "/token",
			RegistrationEndpoint:          s.URL + "/register",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		s.registrations++
		var req ClientMetadata
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if s.onRegister != nil && s.onRegister(w, req) {
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(t, w, map[string]any{
			"client_id":     "dyn-client",
			"redirect_uris": req.RedirectURIs,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		s.mu.Lock()
		s.tokenForms = append(s.tokenForms, r.PostForm)
		s.mu.Unlock()
		if s.onToken != nil {
			s.onToken(w, r.PostForm)
			return
		}
		writeJSON(t, w, Token{AccessToken: "issued", TokenType: "bearer", ExpiresIn: 3600, RefreshToken: "refresh-1"})
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

func (s *authTestServer) lastTokenForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokenForms) == 0 {
		return nil
	}
	return s.tokenForms[len(s.tokenForms)-1]
}

func TestStartAuthorizationFlow(t *testing.T) {
	server := newAuthTestServer(t)
	p := NewProvider(Config{ServerURL: server.URL, Scope: "mcp.read"})

	authURL, err := p.StartAuthorizationFlow(context.Background())
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", parsed.Path)
	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "dyn-client", q.Get("client_id"))
	assert.Equal(t, DefaultRedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "mcp.read", q.Get("scope"))
	assert.Equal(t, server.URL, q.Get("resource"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	session, err := p.storage.AuthSession(server.URL)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, q.Get("state"), session.State)
	assert.Equal(t, q.Get("code_challenge"), session.CodeChallenge)
	assert.NotEmpty(t, session.CodeVerifier)
}

func TestCompleteAuthorizationFlow(t *testing.T) {
	server := newAuthTestServer(t)
	p := NewProvider(Config{ServerURL: server.URL})

	_, err := p.StartAuthorizationFlow(context.Background())
	require.NoError(t, err)
	session, err := p.storage.AuthSession(server.URL)
	require.NoError(t, err)

	token, err := p.CompleteAuthorizationFlow(context.Background(), "the-code", session.State)
	require.NoError(t, err)
	assert.Equal(t, "issued", token.AccessToken)
	assert.False(t, token.ExpiresAt.IsZero(), "expires_in is stamped into an absolute expiry")

	form := server.lastTokenForm()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, session.CodeVerifier, form.Get("code_verifier"))
	assert.Equal(t, server.URL, form.Get("resource"))

	stored, err := p.storage.Token(server.URL)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "issued", stored.AccessToken)

	// The auth session is single use.
	cleared, err := p.storage.AuthSession(server.URL)
	require.NoError(t, err)
	assert.Nil(t, cleared)
}

func TestCompleteFlowRejectsBadState(t *testing.T) {
	server := newAuthTestServer(t)
	p := NewProvider(Config{ServerURL: server.URL})

	_, err := p.CompleteAuthorizationFlow(context.Background(), "code", "state")
	require.ErrorIs(t, err, ErrNoAuthSession)

	_, err = p.StartAuthorizationFlow(context.Background())
	require.NoError(t, err)
	_, err = p.CompleteAuthorizationFlow(context.Background(), "code", "forged-state")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteFlowRetriesRedirectMismatch(t *testing.T) {
	server := newAuthTestServer(t)
	calls := 0
	server.onToken = func(w http.ResponseWriter, form url.Values) {
		calls++
		if form.Get("redirect_uri") != "http://localhost:8080/callback" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "unauthorized_client",
				"error_description": "You sent http://127.0.0.1:8080/callback, and we expected http://localhost:8080/callback.",
			})
			return
		}
		writeJSON(t, w, Token{AccessToken: "after-retry"})
	}

	p := NewProvider(Config{ServerURL: server.URL})
	_, err := p.StartAuthorizationFlow(context.Background())
	require.NoError(t, err)
	session, err := p.storage.AuthSession(server.URL)
	require.NoError(t, err)

	token, err := p.CompleteAuthorizationFlow(context.Background(), "code", session.State)
	require.NoError(t, err)
	assert.Equal(t, "after-retry", token.AccessToken)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "http://localhost:8080/callback", server.lastTokenForm().Get("redirect_uri"))
}

func TestTokenErrorBodyOn200(t *testing.T) {
	server := newAuthTestServer(t)
	server.onToken = func(w http.ResponseWriter, form url.Values) {
		// Some servers report errors with a 200 status.
		writeJSON(t, w, map[string]string{"error": "invalid_grant", "error_description": "code expired"})
	}

	p := NewProvider(Config{ServerURL: server.URL})
	_, err := p.StartAuthorizationFlow(context.Background())
	require.NoError(t, err)
	session, err := p.storage.AuthSession(server.URL)
	require.NoError(t, err)

	_, err = p.CompleteAuthorizationFlow(context.Background(), "code", session.State)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)
	assert.Equal(t, http.StatusOK, oauthErr.HTTPStatus)

	var transportErr *mcp.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestAccessTokenRefreshesEagerly(t *testing.T) {
	server := newAuthTestServer(t)
	server.onToken = func(w http.ResponseWriter, form url.Values) {
		// Rotation without a new refresh token.
		writeJSON(t, w, Token{AccessToken: "fresh", ExpiresIn: 3600})
	}

	p := NewProvider(Config{ServerURL: server.URL})
	require.NoError(t, p.storage.SetToken(server.URL, &Token{
		AccessToken:  "stale",
		RefreshToken: "keep-me",
		ExpiresAt:    time.Now().Add(time.Minute), // inside RefreshBuffer
	}))

	header, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh", header)

	form := server.lastTokenForm()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "keep-me", form.Get("refresh_token"))

	stored, err := p.storage.Token(server.URL)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", stored.RefreshToken, "old refresh token survives rotation")
}

func TestAccessTokenFallsBackToLiveTokenOnRefreshFailure(t *testing.T) {
	server := newAuthTestServer(t)
	server.onToken = func(w http.ResponseWriter, form url.Values) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	p := NewProvider(Config{ServerURL: server.URL})
	require.NoError(t, p.storage.SetToken(server.URL, &Token{
		AccessToken:  "still-valid",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	header, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer still-valid", header)
}

func TestAccessTokenEmptyWhenNoCredentials(t *testing.T) {
	p := NewProvider(Config{ServerURL: "https://api.example.com"})
	header, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, header)
}

func TestRefreshDeduplicated(t *testing.T) {
	server := newAuthTestServer(t)
	var refreshes int
	var mu sync.Mutex
	server.onToken = func(w http.ResponseWriter, form url.Values) {
		mu.Lock()
		refreshes++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		writeJSON(t, w, Token{AccessToken: "fresh", ExpiresIn: 3600, RefreshToken: "r2"})
	}

	p := NewProvider(Config{ServerURL: server.URL})
	require.NoError(t, p.storage.SetToken(server.URL, &Token{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			header, err := p.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "Bearer fresh", header)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, refreshes, "concurrent refreshes collapse into one exchange")
}

func TestClientCredentialsFlow(t *testing.T) {
	server := newAuthTestServer(t)
	p := NewProvider(Config{
		ServerURL:    server.URL,
		GrantType:    GrantClientCredentials,
		ClientID:     "svc",
		ClientSecret: "hunter2",
		Scope:        "mcp",
	})

	header, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer issued", header)

	form := server.lastTokenForm()
	assert.Equal(t, "client_credentials", form.Get("grant_type"))
	assert.Equal(t, "svc", form.Get("client_id"))
	assert.Equal(t, "hunter2", form.Get("client_secret"))
	assert.Equal(t, "mcp", form.Get("scope"))
	assert.Zero(t, server.registrations, "static client id skips registration")
}

func TestEnsureClientFallsBackWhenRegistrationFails(t *testing.T) {
	server := newAuthTestServer(t)
	server.onRegister = func(w http.ResponseWriter, req ClientMetadata) bool {
		http.Error(w, "registration disabled", http.StatusForbidden)
		return true
	}

	p := NewProvider(Config{ServerURL: server.URL})
	authURL, err := p.StartAuthorizationFlow(context.Background())
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, fallbackClientID, parsed.Query().Get("client_id"))
}

func TestStartFlowUsesRegisteredRedirectURI(t *testing.T) {
	server := newAuthTestServer(t)
	server.onRegister = func(w http.ResponseWriter, req ClientMetadata) bool {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id":     "dyn-client",
			"redirect_uris": []string{"http://localhost:9999/cb"},
		})
		return true
	}

	p := NewProvider(Config{ServerURL: server.URL})
	authURL, err := p.StartAuthorizationFlow(context.Background())
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999/cb", parsed.Query().Get("redirect_uri"))
}

func TestHandleUnauthorized(t *testing.T) {
	server := newAuthTestServer(t)

	t.Run("no credentials requires reauth", func(t *testing.T) {
		p := NewProvider(Config{ServerURL: server.URL})
		err := p.HandleUnauthorized(context.Background(), &mcp.AuthChallengeInfo{Realm: "api"})
		var authErr *mcp.AuthenticationRequiredError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "api", authErr.Challenge.Realm)
	})

	t.Run("refresh recovers silently", func(t *testing.T) {
		p := NewProvider(Config{ServerURL: server.URL})
		require.NoError(t, p.storage.SetToken(server.URL, &Token{AccessToken: "a", RefreshToken: "r"}))
		require.NoError(t, p.HandleUnauthorized(context.Background(), nil))
	})

	t.Run("client credentials recover silently", func(t *testing.T) {
		p := NewProvider(Config{ServerURL: server.URL, GrantType: GrantClientCredentials, ClientID: "svc"})
		require.NoError(t, p.HandleUnauthorized(context.Background(), nil))
		header, err := p.AccessToken(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, header)
	})
}

func TestLogout(t *testing.T) {
	p := NewProvider(Config{ServerURL: "https://api.example.com"})
	require.NoError(t, p.storage.SetToken("https://api.example.com", &Token{AccessToken: "x"}))
	require.NoError(t, p.Logout())

	token, err := p.storage.Token("https://api.example.com")
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	p := NewProvider(Config{ServerURL: "https://api.example.com"})
	_, err := p.refreshToken(context.Background(), &Token{AccessToken: "a"})
	require.ErrorIs(t, err, ErrNoRefreshToken)
	assert.True(t, errors.Is(err, ErrNoRefreshToken))
}

func TestRedirectMismatchRegexp(t *testing.T) {
	cases := []struct {
		desc       string
		sent, want string
	}{
		{"You sent http://a/cb, and we expected http://b/cb.", "http://a/cb", "http://b/cb"},
		{"you sent http://a/cb but we expected http://b/cb", "http://a/cb", "http://b/cb"},
	}
	for _, tc := range cases {
		m := redirectMismatchRe.FindStringSubmatch(tc.desc)
		require.NotNil(t, m, tc.desc)
		assert.Equal(t, tc.sent, m[1])
		assert.Equal(t, tc.want, m[2])
	}
	assert.Nil(t, redirectMismatchRe.FindStringSubmatch("generic unauthorized_client failure"))
}
