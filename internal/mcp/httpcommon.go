package mcp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultConnectTimeout bounds connection setup for the HTTP transports.
const DefaultConnectTimeout = 30 * time.Second

// DefaultRequestTimeout bounds individual POSTs when the config does not
// say otherwise. It never applies to long-lived SSE streams.
const DefaultRequestTimeout = 30 * time.Second

// httpAuth is the bearer/header decoration shared by the SSE and
// streamable HTTP transports, including the at-most-one 401 recovery.
type httpAuth struct {
	cfg TransportConfig
}

// setHeaders decorates a request with protocol, auth, and custom headers.
// Precedence for Authorization: OAuth provider, then static bearer token,
// then a caller-supplied Authorization header. Custom headers go on first
// so the credential sources can override them.
func (a *httpAuth) setHeaders(ctx context.Context, req *http.Request, protocolVersion string) error {
	if protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", protocolVersion)
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	if a.cfg.OAuth != nil {
		token, err := a.cfg.OAuth.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("resolve access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	} else if a.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	}
	return nil
}

// recover401 runs the auth-challenge protocol after a 401. It returns nil
// when the caller may retry the original request once; otherwise the
// request must surface AuthenticationRequired.
func (a *httpAuth) recover401(ctx context.Context, resp *http.Response) error {
	challenge := parseBearerChallengeHeader(resp.Header)
	if a.cfg.OAuth == nil {
		return &AuthenticationRequiredError{Challenge: challenge}
	}
	return a.cfg.OAuth.HandleUnauthorized(ctx, challenge)
}

// parseBearerChallengeHeader extracts the Bearer parameters we care about
// from WWW-Authenticate values. The full RFC 7235 parse lives in the oauth
// package; transports only need realm, scope, and the resource metadata
// URL for discovery.
func parseBearerChallengeHeader(h http.Header) *AuthChallengeInfo {
	for _, value := range h.Values("WWW-Authenticate") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(value), "Bearer")
		if !ok || (rest != "" && rest[0] != ' ') {
			continue
		}
		info := &AuthChallengeInfo{}
		for _, part := range strings.Split(rest, ",") {
			k, v, found := strings.Cut(strings.TrimSpace(part), "=")
			if !found {
				continue
			}
			v = strings.Trim(strings.TrimSpace(v), `"`)
			switch strings.ToLower(strings.TrimSpace(k)) {
			case "realm":
				info.Realm = v
			case "scope":
				info.Scope = v
			case "resource_metadata", "resource_metadata_url":
				info.ResourceMetadata = v
			}
		}
		return info
	}
	return nil
}

// newStreamClient returns an HTTP client without an overall timeout,
// suitable for long-lived SSE bodies. Connection setup is still bounded.
func newStreamClient(base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Timeout = 0
	if c.Transport == nil {
		c.Transport = defaultHTTPTransport()
	}
	return c
}

// newRPCClient returns an HTTP client with a per-request timeout for
// plain POSTs.
func newRPCClient(base *http.Client, timeout time.Duration) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c.Timeout = timeout
	if c.Transport == nil {
		c.Transport = defaultHTTPTransport()
	}
	return c
}

func defaultHTTPTransport() *http.Transport {
	if dt, ok := http.DefaultTransport.(*http.Transport); ok {
		t := dt.Clone()
		t.ResponseHeaderTimeout = DefaultConnectTimeout
		if t.TLSHandshakeTimeout == 0 {
			t.TLSHandshakeTimeout = DefaultConnectTimeout
		}
		return t
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   DefaultConnectTimeout,
		ResponseHeaderTimeout: DefaultConnectTimeout,
	}
}
