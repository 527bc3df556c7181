package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// MessageHandler consumes inbound frames that are not responses: server
// initiated requests and notifications. It runs on the transport's reader
// goroutine.
type MessageHandler func(env *Envelope)

// Authorizer supplies bearer tokens to the HTTP transports and recovers
// from 401 challenges. Implemented by oauth.Provider.
type Authorizer interface {
	// AccessToken returns a token for the Authorization header, or "" when
	// no credentials are available yet.
	AccessToken(ctx context.Context) (string, error)

	// HandleUnauthorized attempts silent recovery (refresh or client
	// credentials) after a 401. A non-nil error means re-authentication is
	// required and the original request must fail.
	HandleUnauthorized(ctx context.Context, challenge *AuthChallengeInfo) error
}

// Transport is a bidirectional carrier of JSON-RPC envelopes. Each
// transport owns its pending-request table and its reader goroutines.
type Transport interface {
	// Start makes the transport ready to carry frames.
	Start(ctx context.Context) error

	// Request writes a request envelope and blocks until the matching
	// response arrives, the timeout passes, or the transport fails.
	Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error)

	// Send writes an envelope without waiting for a reply. Used for
	// notifications and for responses to server-initiated requests.
	Send(ctx context.Context, env *Envelope) error

	// SetHandler registers the consumer for non-response inbound frames.
	// Must be called before Start.
	SetHandler(h MessageHandler)

	// SetProtocolVersion records the negotiated protocol version. The HTTP
	// transports echo it in the MCP-Protocol-Version header.
	SetProtocolVersion(v string)

	// Alive reports whether the transport can currently carry frames.
	Alive() bool

	// Close shuts the transport down and fails all pending requests.
	Close() error
}

// TransportConfig is the union of per-transport settings accepted by the
// registry factories. Unused fields are ignored by each transport kind.
type TransportConfig struct {
	// stdio
	Command string
	Args    []string
	Env     map[string]string // merged over the parent environment

	// sse / streamable http
	URL         string
	Headers     map[string]string
	HTTPClient  *http.Client
	BearerToken string
	OAuth       Authorizer

	// RequestTimeout bounds individual HTTP POSTs (not the SSE stream).
	RequestTimeout time.Duration
}

// Factory builds a transport from its configuration.
type Factory func(cfg TransportConfig) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterTransport installs a named transport factory. Applications may
// plug in additional carriers; registering an existing name replaces it.
func RegisterTransport(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// NewTransport builds a transport by registry name.
func NewTransport(name string, cfg TransportConfig) (Transport, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport %q (registered: %v)", name, TransportNames())
	}
	return factory(cfg)
}

// TransportNames returns the registered transport names, sorted.
func TransportNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// frameRouter is the inbound path shared by all transports: decode,
// validate, then hand responses to the pending table and everything else
// to the registered handler. Protocol-level errors are answered in place
// without closing the transport.
type frameRouter struct {
	pending *pendingTable
	logger  *slog.Logger

	mu      sync.Mutex
	handler MessageHandler

	// reply writes an error response back over the owning transport.
	reply func(env *Envelope)
}

func newFrameRouter(logger *slog.Logger, reply func(env *Envelope)) *frameRouter {
	return &frameRouter{
		pending: newPendingTable(),
		logger:  logger,
		reply:   reply,
	}
}

func (r *frameRouter) setHandler(h MessageHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *frameRouter) currentHandler() MessageHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// route processes one raw inbound frame.
func (r *frameRouter) route(data []byte) {
	env, err := Decode(data)
	if err != nil {
		r.routeError(nil, err)
		return
	}
	if err := Validate(env); err != nil {
		r.routeError(env, err)
		return
	}

	if env.IsResponse() {
		if !r.pending.deliver(env.ID, env) {
			r.logger.Debug("dropping response with no pending request", "id", env.ID.String())
		}
		return
	}

	if h := r.currentHandler(); h != nil {
		h(env)
		return
	}
	r.logger.Debug("no handler registered for inbound frame", "method", env.Method)
}

// routeError answers a malformed frame per JSON-RPC: parse errors get a
// -32700 addressed to a null id, invalid envelopes with an id get -32600.
func (r *frameRouter) routeError(env *Envelope, err error) {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		r.logger.Warn("malformed frame on transport", "error", err)
		r.reply(NewErrorResponse(NullID(), CodeParseError, "Parse error"))
		return
	}
	r.logger.Warn("invalid envelope on transport", "error", err)
	if env != nil && !env.ID.IsZero() && !env.ID.IsNull() {
		r.reply(NewErrorResponse(env.ID, CodeInvalidRequest, err.Error()))
	}
}
