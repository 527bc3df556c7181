package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Bigsy/mcpkit/internal/logging"
)

// sseEndpointTimeout bounds the wait for the server's initial endpoint event.
const sseEndpointTimeout = 30 * time.Second

func init() {
	RegisterTransport("sse", func(cfg TransportConfig) (Transport, error) {
		return NewSSETransport(cfg), nil
	})
}

// SSETransport implements the legacy HTTP+SSE carrier: a long-lived GET
// event stream on the configured URL, paired with an HTTP POST message
// endpoint the server announces in its first event. Responses to POSTed
// requests arrive as later events on the stream, correlated by id.
type SSETransport struct {
	cfg    TransportConfig
	auth   *httpAuth
	logger *slog.Logger
	router *frameRouter

	streamClient *http.Client
	rpcClient    *http.Client

	mu              sync.Mutex
	running         bool
	streamBody      io.ReadCloser
	messageURL      string
	protocolVersion string

	readerDone sync.WaitGroup
}

// NewSSETransport creates an SSE transport for the configured stream URL.
func NewSSETransport(cfg TransportConfig) *SSETransport {
	t := &SSETransport{
		cfg:          cfg,
		auth:         &httpAuth{cfg: cfg},
		logger:       logging.Get().With("transport", "sse", "url", cfg.URL),
		streamClient: newStreamClient(cfg.HTTPClient),
		rpcClient:    newRPCClient(cfg.HTTPClient, cfg.RequestTimeout),
	}
	t.router = newFrameRouter(t.logger, func(env *Envelope) {
		_ = t.Send(context.Background(), env)
	})
	return t
}

// SetHandler registers the consumer for server-initiated frames.
func (t *SSETransport) SetHandler(h MessageHandler) { t.router.setHandler(h) }

// SetProtocolVersion records the negotiated version for request headers.
func (t *SSETransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	t.protocolVersion = v
	t.mu.Unlock()
}

func (t *SSETransport) version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

// Start opens the event stream, waits for the endpoint event, and begins
// the reader loop.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.router.pending.reset()

	body, err := t.openStream(ctx, true)
	if err != nil {
		return err
	}

	scanner := newSSEScanner(body)
	endpoint, err := t.awaitEndpoint(ctx, scanner)
	if err != nil {
		_ = body.Close()
		return err
	}

	t.mu.Lock()
	t.running = true
	t.streamBody = body
	t.messageURL = endpoint
	t.mu.Unlock()

	t.readerDone.Add(1)
	go t.readStream(scanner)

	t.logger.Debug("sse stream established", "messageURL", endpoint)
	return nil
}

// openStream performs the GET with event-stream accept headers. A 401 is
// recovered through the auth challenge protocol at most once.
func (t *SSETransport) openStream(ctx context.Context, allowAuthRetry bool) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return nil, NewTransportError("connect", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := t.auth.setHeaders(ctx, req, t.version()); err != nil {
		return nil, NewTransportError("connect", err)
	}

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return nil, NewTransportError("connect", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		_ = resp.Body.Close()
		if !allowAuthRetry {
			return nil, &AuthenticationRequiredError{Challenge: parseBearerChallengeHeader(resp.Header)}
		}
		if err := t.auth.recover401(ctx, resp); err != nil {
			return nil, err
		}
		return t.openStream(ctx, false)
	default:
		_ = resp.Body.Close()
		return nil, &TransportError{Op: "connect", HTTPStatus: resp.StatusCode, Err: fmt.Errorf("event stream returned %s", resp.Status)}
	}
}

// awaitEndpoint reads events until the server announces its message URL.
// The data is either a URL string or a JSON object with a url member,
// resolved against the stream's origin.
func (t *SSETransport) awaitEndpoint(ctx context.Context, scanner *sseScanner) (string, error) {
	type endpointEvent struct {
		URL string `json:"url"`
	}

	deadline := time.After(sseEndpointTimeout)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		for {
			event, err := scanner.Next()
			if err != nil {
				errCh <- NewTransportError("connect", fmt.Errorf("waiting for endpoint event: %w", err))
				return
			}
			if event.Event != "endpoint" {
				continue
			}
			raw := string(bytes.TrimSpace(event.Data))
			if strings.HasPrefix(raw, "{") {
				var ep endpointEvent
				if err := json.Unmarshal(event.Data, &ep); err != nil || ep.URL == "" {
					errCh <- NewTransportError("connect", fmt.Errorf("malformed endpoint event: %q", raw))
					return
				}
				raw = ep.URL
			}
			result <- raw
			return
		}
	}()

	var endpoint string
	select {
	case endpoint = <-result:
	case err := <-errCh:
		return "", err
	case <-deadline:
		return "", NewTransportError("connect", fmt.Errorf("timed out waiting for endpoint event"))
	case <-ctx.Done():
		return "", ctx.Err()
	}

	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", NewTransportError("connect", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", NewTransportError("connect", fmt.Errorf("invalid endpoint %q: %w", endpoint, err))
	}
	return base.ResolveReference(ref).String(), nil
}

// Alive reports whether the stream is open.
func (t *SSETransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Request POSTs a request to the message URL and waits for its response
// to arrive on the event stream.
func (t *SSETransport) Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
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
func (t *SSETransport) Send(ctx context.Context, env *Envelope) error {
	return t.post(ctx, env, true)
}

// post writes one envelope to the message endpoint. 200 and 202 are both
// success; the actual response arrives on the stream. One 401 recovery is
// attempted per original request.
func (t *SSETransport) post(ctx context.Context, env *Envelope, allowAuthRetry bool) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	messageURL := t.messageURL
	t.mu.Unlock()

	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	t.logger.Debug("send", "frame", string(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(data))
	if err != nil {
		return NewTransportError("post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := t.auth.setHeaders(ctx, req, t.version()); err != nil {
		return NewTransportError("post", err)
	}

	resp, err := t.rpcClient.Do(req)
	if err != nil {
		return NewTransportError("post", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		if !allowAuthRetry {
			return &AuthenticationRequiredError{Challenge: parseBearerChallengeHeader(resp.Header)}
		}
		if err := t.auth.recover401(ctx, resp); err != nil {
			return err
		}
		return t.post(ctx, env, false)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &TransportError{Op: "post", HTTPStatus: resp.StatusCode, Err: fmt.Errorf("message endpoint returned %s: %s", resp.Status, body)}
	}
}

// readStream consumes the event stream for the life of the transport.
// Stream failure while running is fatal to all pending requests.
func (t *SSETransport) readStream(scanner *sseScanner) {
	defer t.readerDone.Done()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("sse reader panic", "panic", r)
			t.failStream(NewTransportError("read", fmt.Errorf("reader panic: %v", r)))
		}
	}()

	for {
		event, err := scanner.Next()
		if err != nil {
			t.mu.Lock()
			running := t.running
			t.mu.Unlock()
			if running {
				t.logger.Warn("event stream terminated", "error", err)
				t.failStream(NewTransportError("read", err))
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

// failStream marks the transport closed and fails every pending request.
// It never joins the reader; close bookkeeping only.
func (t *SSETransport) failStream(err error) {
	t.mu.Lock()
	t.running = false
	body := t.streamBody
	t.streamBody = nil
	t.messageURL = ""
	t.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
	t.router.pending.failAll(err)
}

// Close shuts the stream down and fails pending requests.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	body := t.streamBody
	t.streamBody = nil
	t.messageURL = ""
	t.mu.Unlock()

	if body != nil {
		_ = body.Close()
	}
	t.router.pending.failAll(ErrTransportClosed)
	t.logger.Debug("sse transport closed")
	return nil
}
