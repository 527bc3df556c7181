package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Bigsy/mcpkit/internal/handler"
	"github.com/Bigsy/mcpkit/internal/logging"
)

// DefaultRequestTimeoutPerCall bounds a single RPC when the session
// config does not say otherwise.
const DefaultRequestTimeoutPerCall = 30 * time.Second

// SessionState is the coordinator's lifecycle state.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateConnecting
	StateInitialized
	StateClosing
	StateClosed
)

// String makes SessionState satisfy fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateInitialized:
		return "initialized"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientInfo names this client in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Root is a filesystem root advertised to the server via roots/list.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// Server-initiated request methods the coordinator routes.
const (
	MethodSampling    = "sampling/createMessage"
	MethodElicitation = "elicitation/create"
	MethodRootsList   = "roots/list"
	MethodApproval    = "approval/request"
	MethodPing        = "ping"
)

// Handler signatures for server-initiated requests.
type (
	SamplingHandler    func(ctx context.Context, req *handler.SamplingRequest) (*handler.SamplingResult, error)
	ElicitationHandler func(ctx context.Context, e *handler.Elicitation) (*handler.ElicitationResult, error)
	ApprovalHandler    func(ctx context.Context, a *handler.Approval) (*handler.ApprovalResult, error)
)

// ProgressNotification is the payload of notifications/progress.
type ProgressNotification struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// LoggingNotification is the payload of notifications/message.
type LoggingNotification struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ResourceUpdatedNotification is the payload of
// notifications/resources/updated.
type ResourceUpdatedNotification struct {
	URI string `json:"uri"`
}

// SessionConfig configures a session at construction time. There is no
// global mutable configuration.
type SessionConfig struct {
	// Transport selects a registered transport by name ("stdio", "sse",
	// "streamable", or a custom registration). Ignored when a Transport
	// instance is supplied directly.
	Transport       string
	TransportConfig TransportConfig

	ClientInfo      ClientInfo
	ProtocolVersion string // offered version; defaults to DefaultProtocolVersion
	RequestTimeout  time.Duration
	Roots           []Root
}

// Session is the per-connection coordinator: it owns the transport, runs
// the initialize handshake, correlates requests with responses, and
// routes server-initiated traffic to registered handlers.
type Session struct {
	cfg       SessionConfig
	transport Transport
	logger    *slog.Logger
	owner     string

	nextID atomic.Int64

	mu            sync.Mutex
	state         SessionState
	alive         bool
	agreedVersion string
	serverInfo    ServerInfo
	serverCaps    ServerCapabilities

	samplingHandler    SamplingHandler
	elicitationHandler ElicitationHandler
	approvalHandler    ApprovalHandler

	progressObservers []func(ProgressNotification)
	loggingObservers  []func(LoggingNotification)
	resourceObservers []func(ResourceUpdatedNotification)

	elicitations *handler.ScopedElicitations
	approvals    *handler.ScopedApprovals
}

// NewSession builds a session over a transport created from the config's
// registry name.
func NewSession(cfg SessionConfig) (*Session, error) {
	transport, err := NewTransport(cfg.Transport, cfg.TransportConfig)
	if err != nil {
		return nil, err
	}
	return NewSessionWithTransport(cfg, transport), nil
}

// NewSessionWithTransport builds a session over an existing transport.
func NewSessionWithTransport(cfg SessionConfig, transport Transport) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeoutPerCall
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = ClientInfo{Name: "mcpkit", Version: "0.1.0"}
	}
	owner := uuid.NewString()
	s := &Session{
		cfg:          cfg,
		transport:    transport,
		logger:       logging.Get().With("component", "session"),
		owner:        owner,
		state:        StateUninitialized,
		elicitations: handler.Elicitations.ForOwner(owner),
		approvals:    handler.Approvals.ForOwner(owner),
	}
	transport.SetHandler(s.processInbound)
	return s
}

// Owner returns the tag scoping this session's registry entries.
func (s *Session) Owner() string { return s.owner }

// Elicitations returns the session's owner-scoped elicitation registry
// view, for resolving deferred elicitations from outside the session.
func (s *Session) Elicitations() *handler.ScopedElicitations { return s.elicitations }

// Approvals returns the session's owner-scoped approval registry view.
func (s *Session) Approvals() *handler.ScopedApprovals { return s.approvals }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the session finished its handshake and the
// transport still carries frames.
func (s *Session) Alive() bool {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	return alive && s.transport.Alive()
}

// AgreedVersion returns the protocol version negotiated at start.
func (s *Session) AgreedVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agreedVersion
}

// ServerInfo returns the server's self-description from initialize.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Capabilities returns the server's declared capabilities.
func (s *Session) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCaps
}

// ---- handler registration ----

// OnSampling registers the handler for sampling/createMessage. Must be
// set before Start so the capability is advertised.
func (s *Session) OnSampling(h SamplingHandler) {
	s.mu.Lock()
	s.samplingHandler = h
	s.mu.Unlock()
}

// OnElicitation registers the handler for elicitation/create.
func (s *Session) OnElicitation(h ElicitationHandler) {
	s.mu.Lock()
	s.elicitationHandler = h
	s.mu.Unlock()
}

// OnApproval registers the human-in-the-loop handler.
func (s *Session) OnApproval(h ApprovalHandler) {
	s.mu.Lock()
	s.approvalHandler = h
	s.mu.Unlock()
}

// OnProgress registers an observer for notifications/progress.
func (s *Session) OnProgress(f func(ProgressNotification)) {
	s.mu.Lock()
	s.progressObservers = append(s.progressObservers, f)
	s.mu.Unlock()
}

// OnLogging registers an observer for notifications/message.
func (s *Session) OnLogging(f func(LoggingNotification)) {
	s.mu.Lock()
	s.loggingObservers = append(s.loggingObservers, f)
	s.mu.Unlock()
}

// OnResourceUpdated registers an observer for
// notifications/resources/updated.
func (s *Session) OnResourceUpdated(f func(ResourceUpdatedNotification)) {
	s.mu.Lock()
	s.resourceObservers = append(s.resourceObservers, f)
	s.mu.Unlock()
}

// ---- lifecycle ----

// Start runs the initialize handshake: transport start, initialize
// request, version check, initialized notification.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateInitialized, StateConnecting:
		s.mu.Unlock()
		return nil
	default:
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.transport.Start(ctx); err != nil {
		s.toClosed()
		return fmt.Errorf("start transport: %w", err)
	}

	result, err := s.initialize(ctx)
	if err != nil {
		_ = s.transport.Close()
		s.toClosed()
		return err
	}

	if !SupportedVersion(result.ProtocolVersion) {
		_ = s.transport.Close()
		s.toClosed()
		return &UnsupportedProtocolVersionError{Version: result.ProtocolVersion}
	}

	s.transport.SetProtocolVersion(result.ProtocolVersion)

	s.mu.Lock()
	s.agreedVersion = result.ProtocolVersion
	s.serverInfo = result.ServerInfo
	s.serverCaps = result.Capabilities
	s.state = StateInitialized
	s.alive = true
	s.mu.Unlock()

	if err := s.Notify(ctx, "notifications/initialized", struct{}{}); err != nil {
		s.logger.Warn("initialized notification failed", "error", err)
	}

	s.logger.Debug("session initialized",
		"server", result.ServerInfo.Name,
		"version", result.ProtocolVersion)
	return nil
}

func (s *Session) initialize(ctx context.Context) (*InitializeResult, error) {
	params := initializeParams{
		ProtocolVersion: s.cfg.ProtocolVersion,
		Capabilities:    s.clientCapabilities(),
		ClientInfo:      s.cfg.ClientInfo,
	}
	env, err := s.send(ctx, "initialize", params, s.cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var result InitializeResult
	if err := env.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return &result, nil
}

// clientCapabilities advertises exactly what this client can honor:
// sampling and elicitation iff handlers are registered, roots iff
// configured.
func (s *Session) clientCapabilities() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := map[string]any{}
	if s.samplingHandler != nil {
		caps["sampling"] = map[string]any{}
	}
	if s.elicitationHandler != nil {
		caps["elicitation"] = map[string]any{}
	}
	if len(s.cfg.Roots) > 0 {
		caps["roots"] = map[string]any{"listChanged": false}
	}
	return caps
}

// Stop closes the session: Closing, transport close (which fails all
// pending requests), Closed. Registry entries scoped to this session are
// released.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.alive = false
	s.mu.Unlock()

	err := s.transport.Close()

	handler.Elicitations.Release(s.owner)
	handler.Approvals.Release(s.owner)
	s.toClosed()
	return err
}

// Restart is Stop followed by Start over a freshly built transport.
func (s *Session) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		s.logger.Warn("stop during restart", "error", err)
	}
	if s.cfg.Transport != "" {
		transport, err := NewTransport(s.cfg.Transport, s.cfg.TransportConfig)
		if err != nil {
			return err
		}
		transport.SetHandler(s.processInbound)
		s.transport = transport
	}
	s.mu.Lock()
	s.state = StateUninitialized
	s.mu.Unlock()
	return s.Start(ctx)
}

func (s *Session) toClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.alive = false
	s.mu.Unlock()
}

// Ping round-trips a ping request.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Request(ctx, "ping", struct{}{}, 0)
	return err
}

// ---- request plumbing ----

// Request sends a client-to-server request and waits for its response.
// A zero timeout uses the session default. On timeout the caller gets a
// TimeoutError and the server gets a best-effort
// notifications/cancelled hint.
func (s *Session) Request(ctx context.Context, method string, params any, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	return s.send(ctx, method, params, timeout)
}

func (s *Session) send(ctx context.Context, method string, params any, timeout time.Duration) (*Envelope, error) {
	id := NewID(s.nextID.Add(1))
	env, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	resp, err := s.transport.Request(ctx, env, timeout)
	if err != nil {
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			s.notifyCancelled(id, "timeout")
		}
		return nil, err
	}
	if resp.Error != nil {
		return resp, resp.Error
	}
	return resp, nil
}

// Notify sends a notification; no response is expected.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	env, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, env)
}

// notifyCancelled emits the best-effort cancellation hint. It never
// carries an id and never expects a reply.
func (s *Session) notifyCancelled(id ID, reason string) {
	params := map[string]any{"requestId": jsonID(id), "reason": reason}
	if err := s.Notify(context.Background(), "notifications/cancelled", params); err != nil {
		s.logger.Debug("cancelled notification failed", "error", err)
	}
}

// jsonID renders an ID for embedding in params.
func jsonID(id ID) any {
	raw, err := id.MarshalJSON()
	if err != nil {
		return nil
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

// ---- inbound dispatch ----

// processInbound routes non-response frames off the transport reader:
// notifications fan out to observers, requests go to the matching
// handler, and unhandled requests get a -32601.
func (s *Session) processInbound(env *Envelope) {
	switch env.Classify() {
	case KindNotification:
		s.dispatchNotification(env)
	case KindRequest:
		s.dispatchRequest(env)
	}
}

func (s *Session) dispatchNotification(env *Envelope) {
	switch env.Method {
	case "notifications/progress":
		var n ProgressNotification
		if err := env.UnmarshalParams(&n); err != nil {
			s.logger.Warn("malformed progress notification", "error", err)
			return
		}
		s.mu.Lock()
		observers := append([]func(ProgressNotification){}, s.progressObservers...)
		s.mu.Unlock()
		for _, f := range observers {
			f(n)
		}
	case "notifications/message":
		var n LoggingNotification
		if err := env.UnmarshalParams(&n); err != nil {
			s.logger.Warn("malformed logging notification", "error", err)
			return
		}
		s.mu.Lock()
		observers := append([]func(LoggingNotification){}, s.loggingObservers...)
		s.mu.Unlock()
		for _, f := range observers {
			f(n)
		}
	case "notifications/cancelled":
		var n struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason,omitempty"`
		}
		if err := env.UnmarshalParams(&n); err != nil {
			s.logger.Warn("malformed cancelled notification", "error", err)
			return
		}
		s.cancelLocal(string(trimQuotes(n.RequestID)), n.Reason)
	case "notifications/resources/updated":
		var n ResourceUpdatedNotification
		if err := env.UnmarshalParams(&n); err != nil {
			s.logger.Warn("malformed resource notification", "error", err)
			return
		}
		s.mu.Lock()
		observers := append([]func(ResourceUpdatedNotification){}, s.resourceObservers...)
		s.mu.Unlock()
		for _, f := range observers {
			f(n)
		}
	default:
		s.logger.Debug("unhandled notification", "method", env.Method)
	}
}

// cancelLocal abandons deferred work for a server-cancelled request id.
func (s *Session) cancelLocal(id, reason string) {
	if reason == "" {
		reason = "cancelled by server"
	}
	s.elicitations.Cancel(id, reason)
	s.approvals.Deny(id, reason)
}

func trimQuotes(raw json.RawMessage) []byte {
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return raw[1 : len(raw)-1]
	}
	return raw
}

func (s *Session) dispatchRequest(env *Envelope) {
	ctx := context.Background()
	switch env.Method {
	case MethodPing:
		s.reply(env.ID, struct{}{})
	case MethodRootsList:
		s.reply(env.ID, map[string]any{"roots": s.cfg.Roots})
	case MethodSampling:
		s.handleSampling(ctx, env)
	case MethodElicitation:
		s.handleElicitation(ctx, env)
	case MethodApproval:
		s.handleApproval(ctx, env)
	default:
		s.replyError(env.ID, CodeMethodNotFound, fmt.Sprintf("no handler registered for %q", env.Method))
	}
}

func (s *Session) handleSampling(ctx context.Context, env *Envelope) {
	s.mu.Lock()
	h := s.samplingHandler
	s.mu.Unlock()
	if h == nil {
		s.replyError(env.ID, CodeMethodNotFound, "no sampling handler registered")
		return
	}

	var req handler.SamplingRequest
	if err := env.UnmarshalParams(&req); err != nil {
		s.replyError(env.ID, CodeInvalidParams, err.Error())
		return
	}
	req.ID = env.ID.String()
	req.Raw = env.Params

	result, err := h(ctx, &req)
	if err != nil {
		s.logger.Error("sampling handler failed", "error", err)
		s.reply(env.ID, handler.RejectSampling("handler error").Payload())
		return
	}
	s.finishHandler(env.ID, result, handler.SamplingPayloadFor)
}

func (s *Session) handleElicitation(ctx context.Context, env *Envelope) {
	s.mu.Lock()
	h := s.elicitationHandler
	s.mu.Unlock()
	if h == nil {
		s.replyError(env.ID, CodeMethodNotFound, "no elicitation handler registered")
		return
	}

	var params struct {
		Message         string          `json:"message"`
		RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
	}
	if err := env.UnmarshalParams(&params); err != nil {
		s.replyError(env.ID, CodeInvalidParams, err.Error())
		return
	}
	elicitation := handler.NewElicitation(env.ID.String(), params.Message, params.RequestedSchema)

	result, err := h(ctx, elicitation)
	if err != nil {
		s.logger.Error("elicitation handler failed", "error", err)
		s.reply(env.ID, handler.RejectElicitation("handler error").Payload())
		return
	}

	// Validate accepted payloads against the requested schema before the
	// reply leaves the process.
	if result.Deferred() == nil && result.Action() == handler.ElicitationAccept {
		if err := elicitation.ValidateResponse(result.Response()); err != nil {
			s.logger.Warn("elicitation response rejected by schema", "error", err)
			s.reply(env.ID, handler.RejectElicitation(err.Error()).Payload())
			return
		}
	}

	if async := result.Deferred(); async != nil {
		s.elicitations.Store(elicitation.ID, elicitation)
		if async != elicitation.Response {
			// Registry completions settle elicitation.Response; forward
			// them when the handler deferred over its own AsyncResponse.
			elicitation.Response.OnSettle(func(r *handler.AsyncResponse) {
				switch r.State() {
				case handler.AsyncCompleted:
					async.Complete(r.Data())
				case handler.AsyncRejected:
					async.Reject(r.Reason())
				case handler.AsyncTimedOut:
					async.Timeout()
				default:
					async.Cancel(r.Reason())
				}
			})
		}
	}
	s.finishHandler(env.ID, result, handler.ElicitationPayloadFor)
}

func (s *Session) handleApproval(ctx context.Context, env *Envelope) {
	s.mu.Lock()
	h := s.approvalHandler
	s.mu.Unlock()
	if h == nil {
		s.replyError(env.ID, CodeMethodNotFound, "no human-in-the-loop handler registered")
		return
	}

	var params struct {
		ToolName  string          `json:"toolName,omitempty"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := env.UnmarshalParams(&params); err != nil {
		s.replyError(env.ID, CodeInvalidParams, err.Error())
		return
	}
	approval := handler.NewApproval(env.ID.String(), params.ToolName, params.Arguments)

	result, err := h(ctx, approval)
	if err != nil {
		s.logger.Error("approval handler failed", "error", err)
		s.reply(env.ID, handler.Deny("handler error").Payload())
		return
	}

	if result.Deferred() != nil {
		// The registry timer denies the approval when the advertised
		// timeout expires.
		s.approvals.Store(approval.ID, approval, result.Timeout())
		// Bridge the promise into the deferred async response.
		async := result.Deferred()
		approval.Decision.Then(func(any) { async.Complete(nil) })
		approval.Decision.Catch(func(err error) { async.Reject(err.Error()) })
	}
	s.finishHandler(env.ID, result, handler.ApprovalPayloadFor)
}

// finishHandler writes the reply for a handler result. Immediate results
// reply now; deferred results reply when the AsyncResponse settles, and
// a timeout additionally emits notifications/cancelled.
func (s *Session) finishHandler(id ID, result handler.Result, payloadFor func(*handler.AsyncResponse) any) {
	async := result.Deferred()
	if async == nil {
		s.reply(id, result.Payload())
		return
	}
	async.OnSettle(func(a *handler.AsyncResponse) {
		s.elicitations.Remove(id.String())
		s.approvals.Remove(id.String())
		s.reply(id, payloadFor(a))
		if a.State() == handler.AsyncTimedOut {
			s.notifyCancelled(id, handler.TimedOutReason)
		}
	})
}

func (s *Session) reply(id ID, payload any) {
	env, err := NewResponse(id, payload)
	if err != nil {
		s.logger.Error("encode reply", "error", err)
		return
	}
	if err := s.transport.Send(context.Background(), env); err != nil {
		s.logger.Warn("write reply", "id", id.String(), "error", err)
	}
}

func (s *Session) replyError(id ID, code int, message string) {
	if err := s.transport.Send(context.Background(), NewErrorResponse(id, code, message)); err != nil {
		s.logger.Warn("write error reply", "id", id.String(), "error", err)
	}
}
