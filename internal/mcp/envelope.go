// Package mcp implements the client-side Model Context Protocol runtime:
// the JSON-RPC 2.0 envelope codec, the pluggable transports (stdio, SSE,
// streamable HTTP), and the session coordinator that ties them together.
package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// idKind discriminates the wire representation of a request id.
type idKind int

const (
	idAbsent idKind = iota
	idNull
	idString
	idNumber
)

// ID is a JSON-RPC request id: a string, an integer, the literal null
// (used only on parse-error responses), or absent (notifications).
type ID struct {
	kind idKind
	str  string
	num  int64
}

// NewID returns a numeric id.
func NewID(n int64) ID { return ID{kind: idNumber, num: n} }

// NewStringID returns a string id.
func NewStringID(s string) ID { return ID{kind: idString, str: s} }

// NullID returns the null id used on parse-error responses.
func NullID() ID { return ID{kind: idNull} }

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return id.kind == idAbsent }

// IsNull reports whether the id is the literal null.
func (id ID) IsNull() bool { return id.kind == idNull }

// Equal reports whether two ids match on the wire.
func (id ID) Equal(other ID) bool {
	if id.kind != other.kind {
		return false
	}
	switch id.kind {
	case idString:
		return id.str == other.str
	case idNumber:
		return id.num == other.num
	default:
		return true
	}
}

// Key returns a map key that is unique per wire id.
func (id ID) Key() string {
	switch id.kind {
	case idString:
		return "s:" + id.str
	case idNumber:
		return "n:" + strconv.FormatInt(id.num, 10)
	case idNull:
		return "null"
	default:
		return ""
	}
}

// String renders the id for log and error messages.
func (id ID) String() string {
	switch id.kind {
	case idString:
		return id.str
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	case idNull:
		return "null"
	default:
		return "<none>"
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idNumber:
		return json.Marshal(id.num)
	case idNull, idAbsent:
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("invalid id kind %d", id.kind)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{kind: idNull}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{kind: idString, str: s}
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or integer: %w", err)
	}
	*id = ID{kind: idNumber, num: n}
	return nil
}

// RPCError is the error member of a JSON-RPC error response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// EnvelopeKind classifies a decoded frame.
type EnvelopeKind int

const (
	KindInvalid EnvelopeKind = iota
	KindRequest
	KindNotification
	KindSuccessResponse
	KindErrorResponse
)

// String makes EnvelopeKind satisfy fmt.Stringer.
func (k EnvelopeKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindSuccessResponse:
		return "response"
	case KindErrorResponse:
		return "error"
	default:
		return "invalid"
	}
}

// Envelope is a single JSON-RPC 2.0 frame: a request, a notification, or a
// success or error response. Exactly one classification applies per frame.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	hasID     bool
	hasResult bool
}

// NewRequest builds a request envelope. Params may be nil.
func NewRequest(id ID, method string, params any) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: "2.0", ID: id, Method: method, Params: raw, hasID: true}, nil
}

// NewNotification builds a notification envelope. Params may be nil.
func NewNotification(method string, params any) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResponse builds a success response envelope.
func NewResponse(id ID, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{JSONRPC: "2.0", ID: id, Result: raw, hasID: true, hasResult: true}, nil
}

// NewErrorResponse builds an error response envelope.
func NewErrorResponse(id ID, code int, message string) *Envelope {
	return &Envelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
		hasID:   true,
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// Classify returns the envelope's single classification.
func (e *Envelope) Classify() EnvelopeKind {
	switch {
	case e.Method != "" && e.hasID:
		return KindRequest
	case e.Method != "":
		return KindNotification
	case e.Error != nil && e.hasID:
		return KindErrorResponse
	case e.hasResult && e.hasID:
		return KindSuccessResponse
	default:
		return KindInvalid
	}
}

// IsResponse reports whether the envelope is a success or error response.
func (e *Envelope) IsResponse() bool {
	k := e.Classify()
	return k == KindSuccessResponse || k == KindErrorResponse
}

// Matches reports whether the envelope is a response to the given request id.
func (e *Envelope) Matches(id ID) bool {
	return e.IsResponse() && e.ID.Equal(id)
}

// UnmarshalResult decodes the result payload into v.
func (e *Envelope) UnmarshalResult(v any) error {
	if e.Error != nil {
		return e.Error
	}
	if len(e.Result) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(e.Result, v); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// UnmarshalParams decodes the params payload into v.
func (e *Envelope) UnmarshalParams(v any) error {
	if len(e.Params) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(e.Params, v); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(envelopeWire{
		JSONRPC: e.JSONRPC,
		ID:      wireID(e),
		Method:  e.Method,
		Params:  e.Params,
		Result:  wireResult(e),
		Error:   e.Error,
	})
}

// envelopeWire controls field presence during encoding: the id must be
// emitted for responses even when null, and an empty result still needs a
// result member on success responses.
type envelopeWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func wireID(e *Envelope) *ID {
	if !e.hasID {
		return nil
	}
	id := e.ID
	return &id
}

func wireResult(e *Envelope) json.RawMessage {
	if e.hasResult && len(e.Result) == 0 {
		return json.RawMessage(`null`)
	}
	return e.Result
}

// Decode parses a raw frame into an envelope. A JSON syntax failure is
// reported as a ParseError; structural violations are left to Validate.
func Decode(data []byte) (*Envelope, error) {
	if !json.Valid(data) {
		return nil, &ParseError{Err: fmt.Errorf("malformed JSON frame")}
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		// Syntactically valid JSON that is not an object.
		return nil, &InvalidRequestError{Reason: "top-level value must be an object"}
	}

	var e Envelope
	if raw, ok := probe["jsonrpc"]; ok {
		_ = json.Unmarshal(raw, &e.JSONRPC)
	}
	if raw, ok := probe["id"]; ok {
		e.hasID = true
		if err := e.ID.UnmarshalJSON(raw); err != nil {
			return nil, &InvalidRequestError{Reason: err.Error()}
		}
	}
	if raw, ok := probe["method"]; ok {
		if err := json.Unmarshal(raw, &e.Method); err != nil {
			return nil, &InvalidRequestError{Reason: "method must be a string"}
		}
	}
	if raw, ok := probe["params"]; ok {
		e.Params = raw
	}
	if raw, ok := probe["result"]; ok {
		e.hasResult = true
		e.Result = raw
	}
	if raw, ok := probe["error"]; ok {
		var rpcErr RPCError
		if err := json.Unmarshal(raw, &rpcErr); err != nil {
			return nil, &InvalidRequestError{Reason: "malformed error member"}
		}
		e.Error = &rpcErr
	}
	return &e, nil
}

// Validate checks the envelope against the JSON-RPC 2.0 structural rules.
// It returns nil for a well-formed frame and an InvalidRequestError naming
// the violated rule otherwise.
func Validate(e *Envelope) error {
	if e.JSONRPC != "2.0" {
		return &InvalidRequestError{Reason: `jsonrpc must be the literal "2.0"`}
	}

	switch {
	case e.Method != "":
		// Request or notification.
		if e.hasResult || e.Error != nil {
			return &InvalidRequestError{Reason: "request must not carry result or error"}
		}
		if len(e.Params) > 0 && !paramsShapeOK(e.Params) {
			return &InvalidRequestError{Reason: "params must be an object or array"}
		}
		if e.hasID && e.ID.IsNull() {
			return &InvalidRequestError{Reason: "request id must not be null"}
		}
	case e.hasResult || e.Error != nil:
		// Response.
		if !e.hasID {
			return &InvalidRequestError{Reason: "response must carry an id"}
		}
		if e.hasResult && e.Error != nil {
			return &InvalidRequestError{Reason: "response must carry result xor error"}
		}
		if e.Error != nil && e.Error.Message == "" {
			return &InvalidRequestError{Reason: "error must carry code and message"}
		}
	default:
		return &InvalidRequestError{Reason: "envelope has neither method nor result nor error"}
	}
	return nil
}

func paramsShapeOK(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
