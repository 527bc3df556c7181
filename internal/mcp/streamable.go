package mcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Bigsy/mcpkit/internal/logging"
)

func init() {
	RegisterTransport("streamable", func(cfg TransportConfig) (Transport, error) {
		return NewStreamableHTTPTransport(cfg), nil
	})
}

// StreamableHTTPTransport carries MCP frames over a single HTTP endpoint.
// Every outbound envelope is a POST; the response body is either one JSON
// envelope (Content-Type application/json) or an SSE stream of envelopes
// (text/event-stream) terminated by the server closing it.
//
// The server may assign a session id in the Mcp-Session-Id response
// header after initialize; subsequent requests echo it.
type StreamableHTTPTransport struct {
	cfg    TransportConfig
	auth   *httpAuth
	logger *slog.Logger
	router *frameRouter

	rpcClient    *http.Client
	streamClient *http.Client

	mu              sync.Mutex
	running         bool
	sessionID       string
	protocolVersion string

	bodies sync.WaitGroup
}

// NewStreamableHTTPTransport creates a streamable HTTP transport.
func NewStreamableHTTPTransport(cfg TransportConfig) *StreamableHTTPTransport {
	t := &StreamableHTTPTransport{
		cfg:          cfg,
		auth:         &httpAuth{cfg: cfg},
		logger:       logging.Get().With("transport", "streamable", "url", cfg.URL),
		rpcClient:    newRPCClient(cfg.HTTPClient, cfg.RequestTimeout),
		streamClient: newStreamClient(cfg.HTTPClient),
	}
	t.router = newFrameRouter(t.logger, func(env *Envelope) {
		_ = t.Send(context.Background(), env)
	})
	return t
}

// SetHandler registers the consumer for server-initiated frames.
func (t *StreamableHTTPTransport) SetHandler(h MessageHandler) { t.router.setHandler(h) }

// SetProtocolVersion records the negotiated version for request headers.
func (t *StreamableHTTPTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	t.protocolVersion = v
	t.mu.Unlock()
}

func (t *StreamableHTTPTransport) version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

// SessionID returns the server-assigned session id, if any.
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Start marks the transport ready. There is no standing connection; each
// POST carries its own response.
func (t *StreamableHTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.URL == "" {
		return fmt.Errorf("streamable transport requires a URL")
	}
	t.router.pending.reset()
	t.running = true
	return nil
}

// Alive reports whether the transport is open.
func (t *StreamableHTTPTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Request POSTs a request envelope and waits for the matching response,
// which arrives either inline (JSON body) or on the response's SSE body.
func (t *StreamableHTTPTransport) Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	mb, err := t.router.pending.register(env.ID, deadline)
	if err != nil {
		return nil, err
	}
	if err := t.post(ctx, env, true); err != nil {
		t.router.pending.remove(env.ID)
		return nil, err
	}
	resp, err := mb.wait(env.ID, env.Method)
	if err != nil {
		t.router.pending.remove(env.ID)
		return nil, err
	}
	return resp, nil
}

// Send POSTs an envelope without waiting for a correlated response.
func (t *StreamableHTTPTransport) Send(ctx context.Context, env *Envelope) error {
	return t.post(ctx, env, true)
}

// post writes one envelope to the endpoint and routes whatever the server
// returns in the response body. One 401 recovery per original request.
func (t *StreamableHTTPTransport) post(ctx context.Context, env *Envelope, allowAuthRetry bool) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	t.logger.Debug("send", "frame", string(data))

	// Streamed response bodies must not be cut off by the RPC client's
	// timeout, so requests always go through the stream client and rely
	// on the caller's context plus header timeouts.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return NewTransportError("post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if err := t.auth.setHeaders(ctx, req, t.version()); err != nil {
		return NewTransportError("post", err)
	}

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return NewTransportError("post", err)
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		// fall through to body handling
	case resp.StatusCode == http.StatusUnauthorized:
		_ = resp.Body.Close()
		if !allowAuthRetry {
			return &AuthenticationRequiredError{Challenge: parseBearerChallengeHeader(resp.Header)}
		}
		if err := t.auth.recover401(ctx, resp); err != nil {
			return err
		}
		return t.post(ctx, env, false)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return &TransportError{Op: "post", HTTPStatus: resp.StatusCode, Err: fmt.Errorf("endpoint returned %s: %s", resp.Status, body)}
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		// Drain the stream on its own goroutine so the caller can block
		// on the pending mailbox instead of the body.
		t.bodies.Add(1)
		go t.consumeStream(resp.Body)
		return nil
	case strings.HasPrefix(contentType, "application/json"):
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxSSEEventSize))
		if err != nil {
			return NewTransportError("read", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			t.logger.Debug("recv", "frame", string(body))
			t.router.route(body)
		}
		return nil
	default:
		_ = resp.Body.Close()
		return nil
	}
}

// consumeStream routes every envelope on an SSE response body until the
// server closes it.
func (t *StreamableHTTPTransport) consumeStream(body io.ReadCloser) {
	defer t.bodies.Done()
	defer func() { _ = body.Close() }()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("stream reader panic", "panic", r)
			t.router.pending.failAll(NewTransportError("read", fmt.Errorf("reader panic: %v", r)))
		}
	}()

	scanner := newSSEScanner(body)
	for {
		event, err := scanner.Next()
		if err != nil {
			if err != io.EOF {
				t.logger.Warn("response stream terminated", "error", err)
			}
			return
		}
		if len(event.Data) == 0 {
			continue
		}
		if event.Event == "" || event.Event == "message" {
			t.logger.Debug("recv", "frame", string(event.Data))
			t.router.route(event.Data)
		}
	}
}

// Close marks the transport closed and fails all pending requests.
func (t *StreamableHTTPTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.sessionID = ""
	t.mu.Unlock()

	t.router.pending.failAll(ErrTransportClosed)
	t.logger.Debug("streamable transport closed")
	return nil
}
