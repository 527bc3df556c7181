package mcp

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is the failure delivered to pending requests when a
// transport shuts down.
var ErrTransportClosed = errors.New("transport closed")

// ParseError reports malformed bytes on the wire. The transport answers it
// with a JSON-RPC -32700 response addressed to a null id and stays open.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// InvalidRequestError reports a well-formed JSON value that is not a valid
// JSON-RPC envelope. Answered with -32600 when the frame carried an id.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "invalid request: " + e.Reason }

// TransportError reports an I/O, TLS, or HTTP failure on a transport. It is
// fatal to pending requests; the session moves to Closed.
type TransportError struct {
	Op         string // what the transport was doing
	HTTPStatus int    // non-zero when an HTTP status caused the failure
	Err        error
}

func (e *TransportError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("transport error during %s: HTTP %d: %v", e.Op, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a TransportError for the given operation.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// TimeoutError reports that a caller deadline expired while waiting for a
// response, or that a deferred handler ran out of time.
type TimeoutError struct {
	RequestID ID
	Method    string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for response to %s (id %s)", e.Method, e.RequestID)
}

// AuthenticationRequiredError reports a 401 for which no silent recovery
// (token refresh or client-credentials grant) was possible. Callers may run
// the browser flow and then Restart the session.
type AuthenticationRequiredError struct {
	Challenge *AuthChallengeInfo
}

func (e *AuthenticationRequiredError) Error() string {
	return "authentication required"
}

// AuthChallengeInfo carries the parsed WWW-Authenticate Bearer parameters
// from a 401 response, decoupled from the oauth package so transports can
// surface them without an import cycle.
type AuthChallengeInfo struct {
	Realm            string
	Scope            string
	ResourceMetadata string
}

// UnsupportedProtocolVersionError reports that the server negotiated a
// protocol version outside the supported set. Fatal at session start.
type UnsupportedProtocolVersionError struct {
	Version string
}

func (e *UnsupportedProtocolVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %q (supported: %v)", e.Version, SupportedProtocolVersions)
}

// UnsupportedFeatureError reports an attempt to use a capability the server
// did not advertise during initialize. Purely local; no wire traffic.
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("server did not negotiate the %s capability", e.Feature)
}
