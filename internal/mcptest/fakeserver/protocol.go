// Package fakeserver is a scriptable MCP server for tests. It speaks
// NDJSON over stdin/stdout like a real stdio server and can be told to
// delay, fail, crash, or emit protocol noise around any method.
package fakeserver

import (
	"encoding/json"
	"time"
)

// Config scripts the fake server's behavior.
type Config struct {
	// ProtocolVersion returned from initialize. Defaults to "2025-03-26".
	ProtocolVersion string `json:"protocolVersion,omitempty"`

	// Feature surface advertised and served.
	Tools     []Tool     `json:"tools,omitempty"`
	Resources []Resource `json:"resources,omitempty"`
	Prompts   []Prompt   `json:"prompts,omitempty"`

	// Per-method artificial delays. Keep these short (10-50ms).
	Delays map[string]time.Duration `json:"delays,omitempty"`

	// Per-method forced JSON-RPC errors.
	Errors map[string]RPCError `json:"errors,omitempty"`

	// Crash behavior.
	CrashOnMethod     string `json:"crashOnMethod,omitempty"`
	CrashOnNthRequest int    `json:"crashOnNthRequest,omitempty"`
	CrashExitCode     int    `json:"crashExitCode,omitempty"`

	// Stream realism: interleave noise before each response.
	SendNotificationBeforeResponse bool `json:"sendNotificationBeforeResponse,omitempty"`
	SendMismatchedIDFirst          bool `json:"sendMismatchedIDFirst,omitempty"`

	// Malformed writes invalid JSON instead of each response.
	Malformed bool `json:"malformed,omitempty"`

	// EchoToolCalls makes tools/call answer with "<name>(<arguments>)".
	EchoToolCalls bool `json:"echoToolCalls,omitempty"`

	// ElicitBeforeTool makes the server issue an elicitation/create
	// request before answering any tools/call, waiting for the client's
	// reply first. Exercises the server-initiated request path.
	ElicitBeforeTool bool `json:"elicitBeforeTool,omitempty"`

	// ElicitationSchema is the requestedSchema sent with ElicitBeforeTool.
	ElicitationSchema json.RawMessage `json:"elicitationSchema,omitempty"`

	// ProgressOnToolCall emits a notifications/progress before each
	// tools/call response.
	ProgressOnToolCall bool `json:"progressOnToolCall,omitempty"`

	// AckCancelled echoes every notifications/cancelled back as a
	// notifications/message line carrying the cancellation params, so
	// tests can observe that the hint reached the server.
	AckCancelled bool `json:"ackCancelled,omitempty"`
}

// Tool is a tool the fake server lists and serves.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// Resource is a resource the fake server lists and reads. Text is what
// resources/read returns.
type Resource struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Prompt is a prompt the fake server lists and renders.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
