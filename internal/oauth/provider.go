package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Bigsy/mcpkit/internal/logging"
	"github.com/Bigsy/mcpkit/internal/mcp"
)

// DefaultRedirectURI matches the browser helper's default listener.
const DefaultRedirectURI = "http://127.0.0.1:8080/callback"

// fallbackClientID is used when a server neither supports registration
// nor was given a static client id.
const fallbackClientID = "mcpkit"

// Provider drives the OAuth lifecycle for one protected server and
// implements the token source the HTTP transports consult. Safe for
// concurrent use; refreshes are deduplicated.
type Provider struct {
	cfg      Config
	storage  Storage
	strategy grantStrategy
	http     *http.Client
	logger   *slog.Logger
	refresh  singleflight.Group
}

// NewProvider builds a provider. Zero-value config fields get defaults:
// in-memory storage, the authorization-code grant, the loopback redirect
// URI.
func NewProvider(cfg Config) *Provider {
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	if cfg.GrantType == "" {
		cfg.GrantType = GrantAuthorizationCode
	}
	if cfg.RedirectURI == "" && cfg.GrantType == GrantAuthorizationCode {
		cfg.RedirectURI = DefaultRedirectURI
	}
	return &Provider{
		cfg:      cfg,
		storage:  cfg.Storage,
		strategy: strategyFor(cfg.GrantType),
		http:     &http.Client{Timeout: TokenTimeout},
		logger:   logging.Get().With("component", "oauth", "server", NormalizeURL(cfg.ServerURL)),
	}
}

// ServerURL returns the protected server this provider authenticates to.
func (p *Provider) ServerURL() string { return p.cfg.ServerURL }

// RedirectURI returns the redirect URI the authorization flow uses.
func (p *Provider) RedirectURI() string { return p.cfg.RedirectURI }

// SetRedirectURI overrides the redirect URI before a flow starts. The
// browser helper uses this to align the provider with its listener.
func (p *Provider) SetRedirectURI(uri string) { p.cfg.RedirectURI = uri }

// ensureClient returns the OAuth client for this server: the cached
// registration, the statically configured id, a fresh dynamic
// registration, or the shared fallback id, in that order.
func (p *Provider) ensureClient(ctx context.Context, meta *ServerMetadata) (*ClientInfo, error) {
	if cached, err := p.storage.Client(p.cfg.ServerURL); err == nil && cached != nil {
		return cached, nil
	}

	var client *ClientInfo
	switch {
	case p.cfg.ClientID != "":
		client = &ClientInfo{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			Metadata:     p.strategy.clientMetadata(p.cfg, p.cfg.RedirectURI),
		}
	case meta.RegistrationEndpoint != "":
		registered, err := p.registerClient(ctx, meta, p.cfg.RedirectURI)
		if err != nil {
			// Some servers advertise registration but reject it; fall back
			// rather than failing the whole flow.
			p.logger.Warn("client registration failed; using fallback client id", "error", err)
			client = &ClientInfo{
				ClientID: fallbackClientID,
				Metadata: p.strategy.clientMetadata(p.cfg, p.cfg.RedirectURI),
			}
		} else {
			client = registered
		}
	default:
		client = &ClientInfo{
			ClientID: fallbackClientID,
			Metadata: p.strategy.clientMetadata(p.cfg, p.cfg.RedirectURI),
		}
	}

	if err := p.storage.SetClient(p.cfg.ServerURL, client); err != nil {
		p.logger.Warn("cache client info", "error", err)
	}
	return client, nil
}

// StartAuthorizationFlow prepares an authorization-code attempt: PKCE
// pair, CSRF state, persisted AuthSession. It returns the authorization
// URL for the user's browser.
func (p *Provider) StartAuthorizationFlow(ctx context.Context) (string, error) {
	meta, err := p.discover(ctx, nil)
	if err != nil {
		return "", err
	}
	client, err := p.ensureClient(ctx, meta)
	if err != nil {
		return "", err
	}

	redirectURI := p.cfg.RedirectURI
	if uris := client.Metadata.RedirectURIs; len(uris) > 0 && uris[0] != redirectURI {
		p.logger.Warn("using registered redirect URI", "registered", uris[0], "configured", redirectURI)
		redirectURI = uris[0]
	}

	pkce, err := NewPKCE()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}
	session := &AuthSession{
		CodeVerifier:  pkce.Verifier,
		CodeChallenge: pkce.Challenge,
		State:         state,
		RedirectURI:   redirectURI,
	}
	if err := p.storage.SetAuthSession(p.cfg.ServerURL, session); err != nil {
		return "", fmt.Errorf("persist auth session: %w", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {PKCEMethod},
		"resource":              {p.cfg.ServerURL},
	}
	if p.cfg.Scope != "" {
		params.Set("scope", p.cfg.Scope)
	}

	sep := "?"
	if strings.Contains(meta.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return meta.AuthorizationEndpoint + sep + params.Encode(), nil
}

// redirectMismatchRe matches the error description some servers return
// when the token-exchange redirect_uri differs from the authorize-step
// one, in both observed spellings.
var redirectMismatchRe = regexp.MustCompile(
	`[Yy]ou sent (\S+?),? (?:and|but) we expected (\S+?)\.?$`)

// CompleteAuthorizationFlow finishes the flow after the callback:
// validates state in constant time, exchanges the code, persists the
// token, and clears the AuthSession.
func (p *Provider) CompleteAuthorizationFlow(ctx context.Context, code, state string) (*Token, error) {
	session, err := p.storage.AuthSession(p.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("load auth session: %w", err)
	}
	if session == nil {
		return nil, ErrNoAuthSession
	}
	if subtle.ConstantTimeCompare([]byte(session.State), []byte(state)) != 1 {
		return nil, ErrInvalidState
	}

	meta, err := p.discover(ctx, nil)
	if err != nil {
		return nil, err
	}
	client, err := p.ensureClient(ctx, meta)
	if err != nil {
		return nil, err
	}

	exchange := func(redirectURI string) (*Token, error) {
		params := url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {redirectURI},
			"client_id":     {client.ClientID},
			"code_verifier": {session.CodeVerifier},
			"resource":      {p.cfg.ServerURL},
		}
		if client.ClientSecret != "" {
			params.Set("client_secret", client.ClientSecret)
		}
		return p.tokenRequest(ctx, meta.TokenEndpoint, params)
	}

	token, err := exchange(session.RedirectURI)
	if err != nil {
		// Some servers reject the exchange naming the redirect URI they
		// recorded at the authorize step; retry once with that value.
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) && oauthErr.Code == "unauthorized_client" {
			if m := redirectMismatchRe.FindStringSubmatch(oauthErr.Description); m != nil {
				p.logger.Warn("retrying token exchange with server-expected redirect URI",
					"sent", m[1], "expected", m[2])
				token, err = exchange(m[2])
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if err := p.storage.SetToken(p.cfg.ServerURL, token); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	if err := p.storage.DeleteAuthSession(p.cfg.ServerURL); err != nil {
		p.logger.Warn("clear auth session", "error", err)
	}
	return token, nil
}

// clientCredentialsToken runs the client-credentials grant and persists
// the result.
func (p *Provider) clientCredentialsToken(ctx context.Context) (*Token, error) {
	meta, err := p.discover(ctx, nil)
	if err != nil {
		return nil, err
	}
	client, err := p.ensureClient(ctx, meta)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {client.ClientID},
	}
	if client.ClientSecret != "" {
		params.Set("client_secret", client.ClientSecret)
	}
	if p.cfg.Scope != "" {
		params.Set("scope", p.cfg.Scope)
	}

	token, err := p.tokenRequest(ctx, meta.TokenEndpoint, params)
	if err != nil {
		return nil, err
	}
	if err := p.storage.SetToken(p.cfg.ServerURL, token); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

// refreshToken exchanges a refresh token, deduplicating concurrent
// attempts. A nil return with nil error means the caller must
// re-authenticate.
func (p *Provider) refreshToken(ctx context.Context, current *Token) (*Token, error) {
	if current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	fresh, err, _ := p.refresh.Do(NormalizeURL(p.cfg.ServerURL), func() (any, error) {
		meta, err := p.discover(ctx, nil)
		if err != nil {
			return nil, err
		}
		client, err := p.ensureClient(ctx, meta)
		if err != nil {
			return nil, err
		}

		params := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {current.RefreshToken},
			"client_id":     {client.ClientID},
			"resource":      {p.cfg.ServerURL},
		}
		if client.ClientSecret != "" {
			params.Set("client_secret", client.ClientSecret)
		}

		token, err := p.tokenRequest(ctx, meta.TokenEndpoint, params)
		if err != nil {
			return nil, err
		}
		// Servers may omit the refresh token on rotation; keep the old one.
		if token.RefreshToken == "" {
			token.RefreshToken = current.RefreshToken
		}
		if err := p.storage.SetToken(p.cfg.ServerURL, token); err != nil {
			p.logger.Warn("persist refreshed token", "error", err)
		}
		return token, nil
	})
	if err != nil {
		p.logger.Warn("token refresh failed", "error", err)
		return nil, err
	}
	return fresh.(*Token), nil
}

// AccessToken returns a valid Authorization header value, refreshing
// eagerly when the token expires soon. An empty string (no error) means
// no credentials exist yet.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	token, err := p.storage.Token(p.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}

	if token == nil {
		if p.cfg.GrantType == GrantClientCredentials {
			token, err = p.clientCredentialsToken(ctx)
			if err != nil {
				return "", err
			}
			return token.Header(), nil
		}
		return "", nil
	}

	if token.ExpiresSoon() {
		if fresh, err := p.refreshToken(ctx, token); err == nil {
			return fresh.Header(), nil
		}
		if token.Expired() {
			return "", nil
		}
	}
	return token.Header(), nil
}

// HandleUnauthorized attempts silent recovery after a 401: refresh if
// possible, the client-credentials grant if that is the configured
// strategy, otherwise AuthenticationRequiredError so the caller can run
// the browser flow.
func (p *Provider) HandleUnauthorized(ctx context.Context, challenge *mcp.AuthChallengeInfo) error {
	var parsed *Challenge
	if challenge != nil {
		parsed = &Challenge{
			Realm:            challenge.Realm,
			Scope:            challenge.Scope,
			ResourceMetadata: challenge.ResourceMetadata,
		}
	}
	// The challenge may carry fresher discovery hints than the cache.
	if parsed != nil && parsed.ResourceMetadata != "" {
		if err := p.storage.SetMetadata(p.cfg.ServerURL, nil); err == nil {
			if _, err := p.discover(ctx, parsed); err != nil {
				p.logger.Debug("challenge-driven discovery failed", "error", err)
			}
		}
	}

	if token, err := p.storage.Token(p.cfg.ServerURL); err == nil && token != nil && token.RefreshToken != "" {
		if _, err := p.refreshToken(ctx, token); err == nil {
			return nil
		}
	}

	if p.cfg.GrantType == GrantClientCredentials {
		if _, err := p.clientCredentialsToken(ctx); err != nil {
			return err
		}
		return nil
	}

	return &mcp.AuthenticationRequiredError{Challenge: challenge}
}

// Logout discards the stored token for this server.
func (p *Provider) Logout() error {
	return p.storage.DeleteToken(p.cfg.ServerURL)
}

// tokenRequest POSTs a form to the token endpoint and parses the token.
// RFC 6749 error bodies are surfaced as OAuthError wrapped in a
// TransportError carrying the HTTP status, even when the server answers
// 200.
func (p *Provider) tokenRequest(ctx context.Context, endpoint string, params url.Values) (*Token, error) {
	ctx, cancel := context.WithTimeout(ctx, TokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, &mcp.TransportError{Op: "token request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, metadataBodyLimit))
	if err != nil {
		return nil, &mcp.TransportError{Op: "read token response", HTTPStatus: resp.StatusCode, Err: err}
	}

	var oauthErr OAuthError
	if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Code != "" {
		oauthErr.HTTPStatus = resp.StatusCode
		return nil, &mcp.TransportError{Op: "token request", HTTPStatus: resp.StatusCode, Err: &oauthErr}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &mcp.TransportError{
			Op:         "token request",
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, body),
		}
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	token.stamp(time.Now())
	return &token, nil
}
