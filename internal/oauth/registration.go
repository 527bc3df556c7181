package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
)

// registrationResponse is the RFC 7591 registration result.
type registrationResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret,omitempty"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at,omitempty"`
	RedirectURIs          []string `json:"redirect_uris,omitempty"`
}

// registerClient performs dynamic client registration and returns the
// resulting ClientInfo. If the server registered different redirect URIs
// than requested, the registered values win and a warning is logged.
func (p *Provider) registerClient(ctx context.Context, meta *ServerMetadata, redirectURI string) (*ClientInfo, error) {
	request := p.strategy.clientMetadata(p.cfg, redirectURI)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal registration request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, TokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, metadataBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read registration response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration failed: HTTP %d: %s", resp.StatusCode, respBody)
	}

	var result registrationResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse registration response: %w", err)
	}
	if result.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	if len(result.RedirectURIs) > 0 && !slices.Equal(result.RedirectURIs, request.RedirectURIs) {
		p.logger.Warn("server registered different redirect URIs; using registered values",
			"requested", request.RedirectURIs, "registered", result.RedirectURIs)
		request.RedirectURIs = result.RedirectURIs
	}

	return &ClientInfo{
		ClientID:     result.ClientID,
		ClientSecret: result.ClientSecret,
		Metadata:     request,
	}, nil
}
