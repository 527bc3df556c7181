package handler

import (
	"encoding/json"
	"time"
)

// Result is the outcome of one handler invocation. Deferred returns a
// non-nil AsyncResponse when the reply must be sent later; Payload
// renders the wire shape for an immediate reply (or for a terminal
// AsyncResponse state, via PayloadFor on the concrete types).
type Result interface {
	Deferred() *AsyncResponse
	Payload() any
}

// ---- sampling ----

// SamplingRequest carries the params of a sampling/createMessage request.
type SamplingRequest struct {
	ID       string
	Messages json.RawMessage `json:"messages"`
	System   string          `json:"systemPrompt,omitempty"`
	Max      int             `json:"maxTokens,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// SamplingResult is the discriminated outcome of a sampling handler:
// accept with a model response, reject with a reason, or defer.
type SamplingResult struct {
	accepted bool
	response any
	message  string
	deferred *AsyncResponse
}

// AcceptSampling returns an accepted result carrying the model response.
func AcceptSampling(response any) *SamplingResult {
	return &SamplingResult{accepted: true, response: response}
}

// RejectSampling returns a rejection with a human-readable reason.
func RejectSampling(reason string) *SamplingResult {
	return &SamplingResult{message: reason}
}

// DeferSampling returns a deferred result settled through async.
func DeferSampling(async *AsyncResponse) *SamplingResult {
	return &SamplingResult{deferred: async}
}

// Deferred implements Result.
func (r *SamplingResult) Deferred() *AsyncResponse { return r.deferred }

// Payload implements Result.
func (r *SamplingResult) Payload() any {
	if r.accepted {
		return map[string]any{"accepted": true, "response": r.response}
	}
	return map[string]any{"accepted": false, "message": r.message}
}

// SamplingPayloadFor renders the reply for a settled sampling deferral.
func SamplingPayloadFor(a *AsyncResponse) any {
	switch a.State() {
	case AsyncCompleted:
		return map[string]any{"accepted": true, "response": a.Data()}
	default:
		return map[string]any{"accepted": false, "message": a.Reason()}
	}
}

// ---- elicitation ----

// ElicitationAction is the action member of an elicitation reply.
type ElicitationAction string

const (
	ElicitationAccept ElicitationAction = "accept"
	ElicitationReject ElicitationAction = "reject"
	ElicitationCancel ElicitationAction = "cancel"
)

// ElicitationResult is the discriminated outcome of an elicitation
// handler: accept with a structured response, reject or cancel with a
// reason, or defer.
type ElicitationResult struct {
	action   ElicitationAction
	response any
	reason   string
	deferred *AsyncResponse
}

// AcceptElicitation returns an accepted result carrying the structured
// payload. The payload is validated against the server's requestedSchema
// before the reply is written.
func AcceptElicitation(response any) *ElicitationResult {
	return &ElicitationResult{action: ElicitationAccept, response: response}
}

// RejectElicitation returns a rejection with a reason.
func RejectElicitation(reason string) *ElicitationResult {
	return &ElicitationResult{action: ElicitationReject, reason: reason}
}

// CancelElicitation returns a cancellation with a reason.
func CancelElicitation(reason string) *ElicitationResult {
	return &ElicitationResult{action: ElicitationCancel, reason: reason}
}

// DeferElicitation returns a deferred result settled through async.
// Handlers usually pass the elicitation's own Response so registry
// completions settle the reply directly; a separate AsyncResponse works
// too, the session forwards the registry settlement to it.
func DeferElicitation(async *AsyncResponse) *ElicitationResult {
	return &ElicitationResult{deferred: async}
}

// Deferred implements Result.
func (r *ElicitationResult) Deferred() *AsyncResponse { return r.deferred }

// Action returns the chosen action.
func (r *ElicitationResult) Action() ElicitationAction { return r.action }

// Response returns the accepted payload.
func (r *ElicitationResult) Response() any { return r.response }

// Payload implements Result.
func (r *ElicitationResult) Payload() any {
	switch r.action {
	case ElicitationAccept:
		return map[string]any{"action": "accept", "response": r.response}
	case ElicitationCancel:
		return map[string]any{"action": "cancel", "reason": r.reason}
	default:
		return map[string]any{"action": "reject", "reason": r.reason}
	}
}

// ElicitationPayloadFor renders the reply for a settled elicitation
// deferral. A timeout is reported as a cancel with the fixed reason.
func ElicitationPayloadFor(a *AsyncResponse) any {
	switch a.State() {
	case AsyncCompleted:
		return map[string]any{"action": "accept", "response": a.Data()}
	case AsyncRejected:
		return map[string]any{"action": "reject", "reason": a.Reason()}
	default:
		return map[string]any{"action": "cancel", "reason": a.Reason()}
	}
}

// ---- human in the loop ----

// ApprovalStatus is the status member of a human-in-the-loop reply.
type ApprovalStatus string

const (
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
	StatusDeferred ApprovalStatus = "deferred"
)

// ApprovalResult is the discriminated outcome of a human-in-the-loop
// handler: approve, deny with a reason, or defer with a timeout hint.
type ApprovalResult struct {
	status   ApprovalStatus
	reason   string
	timeout  float64 // seconds, advertised on deferred replies
	deferred *AsyncResponse
}

// Approve returns an approval.
func Approve() *ApprovalResult {
	return &ApprovalResult{status: StatusApproved}
}

// Deny returns a denial with a reason.
func Deny(reason string) *ApprovalResult {
	return &ApprovalResult{status: StatusDenied, reason: reason}
}

// DeferApproval returns a deferred result settled through async, with the
// timeout (in seconds) advertised to the server.
func DeferApproval(async *AsyncResponse, timeoutSeconds float64) *ApprovalResult {
	return &ApprovalResult{status: StatusDeferred, timeout: timeoutSeconds, deferred: async}
}

// Deferred implements Result.
func (r *ApprovalResult) Deferred() *AsyncResponse { return r.deferred }

// Timeout returns the deferral timeout as a duration. Zero means the
// deferral never expires on its own.
func (r *ApprovalResult) Timeout() time.Duration {
	return time.Duration(r.timeout * float64(time.Second))
}

// Payload implements Result.
func (r *ApprovalResult) Payload() any {
	switch r.status {
	case StatusApproved:
		return map[string]any{"status": "approved"}
	case StatusDeferred:
		return map[string]any{"status": "deferred", "timeout": r.timeout}
	default:
		return map[string]any{"status": "denied", "reason": r.reason}
	}
}

// ApprovalPayloadFor renders the reply for a settled approval deferral.
func ApprovalPayloadFor(a *AsyncResponse) any {
	switch a.State() {
	case AsyncCompleted:
		return map[string]any{"status": "approved"}
	default:
		return map[string]any{"status": "denied", "reason": a.Reason()}
	}
}
