package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const metadataBodyLimit = 1 << 20

// ServerMetadata is RFC 8414 authorization server metadata, reduced to
// the fields this client acts on.
type ServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`

	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsS256 reports whether the server advertises S256 PKCE.
func (m *ServerMetadata) SupportsS256() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == PKCEMethod {
			return true
		}
	}
	return false
}

// wellFormed requires the two endpoints every flow needs.
func (m *ServerMetadata) wellFormed() bool {
	return m.AuthorizationEndpoint != "" && m.TokenEndpoint != ""
}

// ResourceMetadata is RFC 9728 protected resource metadata.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// discover resolves authorization server metadata for a protected MCP
// server:
//
//  1. A resource-metadata URL from a 401 challenge short-circuits to
//     RFC 9728: fetch it, check the resource covers the server URL, and
//     take its authorization_servers as candidates.
//  2. Otherwise the oauth-protected-resource well-known endpoints on the
//     server itself are probed for the same document.
//  3. Each candidate issuer (or the server URL when none were found) is
//     probed at the oauth-authorization-server and openid-configuration
//     well-known variants. Documents whose issuer does not match the
//     candidate are skipped, except that the final well-formed mismatch
//     is accepted as a legacy fallback when nothing better exists.
//  4. When every probe fails, default endpoints are derived from the
//     server origin.
func (p *Provider) discover(ctx context.Context, challenge *Challenge) (*ServerMetadata, error) {
	if cached, err := p.storage.Metadata(p.cfg.ServerURL); err == nil && cached != nil {
		return cached, nil
	}

	candidates := p.authServerCandidates(ctx, challenge)
	if len(candidates) == 0 {
		candidates = []string{p.cfg.ServerURL}
	}

	var legacy *ServerMetadata
	for _, candidate := range candidates {
		parsed, err := url.Parse(candidate)
		if err != nil || parsed.Host == "" {
			continue
		}
		for _, metadataURL := range metadataURLs(parsed) {
			meta, err := p.fetchServerMetadata(ctx, metadataURL)
			if err != nil {
				p.logger.Debug("metadata probe failed", "url", metadataURL, "error", err)
				continue
			}
			if !meta.wellFormed() {
				continue
			}
			if SameIssuer(meta.Issuer, candidate) {
				p.cacheMetadata(meta)
				return meta, nil
			}
			p.logger.Debug("issuer mismatch", "url", metadataURL, "issuer", meta.Issuer, "expected", candidate)
			legacy = meta
		}
	}

	if legacy != nil {
		p.logger.Info("accepting metadata with mismatched issuer; no better candidate",
			"issuer", legacy.Issuer)
		p.cacheMetadata(legacy)
		return legacy, nil
	}

	meta, err := defaultMetadata(p.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	p.logger.Warn("oauth discovery failed; assuming default endpoints",
		"authorization_endpoint", meta.AuthorizationEndpoint)
	p.cacheMetadata(meta)
	return meta, nil
}

func (p *Provider) cacheMetadata(meta *ServerMetadata) {
	if err := p.storage.SetMetadata(p.cfg.ServerURL, meta); err != nil {
		p.logger.Warn("cache server metadata", "error", err)
	}
}

// authServerCandidates resolves issuer candidates via RFC 9728, first
// from an explicit resource-metadata URL, then from the well-known
// endpoints on the server itself.
func (p *Provider) authServerCandidates(ctx context.Context, challenge *Challenge) []string {
	if challenge != nil && challenge.ResourceMetadata != "" {
		if servers := p.resourceAuthServers(ctx, challenge.ResourceMetadata); len(servers) > 0 {
			return servers
		}
	}
	parsed, err := url.Parse(p.cfg.ServerURL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	for _, metadataURL := range protectedResourceURLs(parsed) {
		if servers := p.resourceAuthServers(ctx, metadataURL); len(servers) > 0 {
			return servers
		}
	}
	return nil
}

func (p *Provider) resourceAuthServers(ctx context.Context, metadataURL string) []string {
	var meta ResourceMetadata
	if err := p.fetchJSON(ctx, metadataURL, &meta); err != nil {
		p.logger.Debug("resource metadata probe failed", "url", metadataURL, "error", err)
		return nil
	}
	if meta.Resource != "" && !ResourceMatches(meta.Resource, p.cfg.ServerURL) {
		p.logger.Warn("resource metadata does not cover server",
			"resource", meta.Resource, "server", p.cfg.ServerURL)
		return nil
	}
	return meta.AuthorizationServers
}

func (p *Provider) fetchServerMetadata(ctx context.Context, metadataURL string) (*ServerMetadata, error) {
	var meta ServerMetadata
	if err := p.fetchJSON(ctx, metadataURL, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (p *Provider) fetchJSON(ctx context.Context, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, metadataBodyLimit))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}
	return nil
}

// metadataURLs lists the authorization-server metadata locations in
// probe order for one issuer candidate.
func metadataURLs(issuer *url.URL) []string {
	base := issuer.Scheme + "://" + issuer.Host
	path := strings.TrimSuffix(issuer.Path, "/")

	var urls []string
	if path != "" {
		urls = append(urls, base+"/.well-known/oauth-authorization-server"+path)
	}
	urls = append(urls, base+"/.well-known/oauth-authorization-server")
	if path != "" {
		urls = append(urls,
			base+"/.well-known/openid-configuration"+path,
			base+path+"/.well-known/openid-configuration")
	} else {
		urls = append(urls, base+"/.well-known/openid-configuration")
	}
	return urls
}

// protectedResourceURLs lists the RFC 9728 well-known locations for the
// protected server itself.
func protectedResourceURLs(server *url.URL) []string {
	base := server.Scheme + "://" + server.Host
	path := strings.TrimSuffix(server.Path, "/")

	var urls []string
	if path != "" {
		urls = append(urls, base+"/.well-known/oauth-protected-resource"+path)
	}
	urls = append(urls, base+"/.well-known/oauth-protected-resource")
	return urls
}

// defaultMetadata derives last-resort endpoints from the server origin.
func defaultMetadata(serverURL string) (*ServerMetadata, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("derive default endpoints: invalid server URL %q", serverURL)
	}
	origin := parsed.Scheme + "://" + parsed.Host
	return &ServerMetadata{
		Issuer:                origin,
		AuthorizationEndpoint: origin + "/authorize",
		TokenEndpoint:         origin + "/token",
		RegistrationEndpoint:  origin + "/register",
	}, nil
}
