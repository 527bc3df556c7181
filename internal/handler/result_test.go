package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSamplingPayloadShapes(t *testing.T) {
	accepted := AcceptSampling(map[string]any{"role": "assistant"}).Payload().(map[string]any)
	assert.Equal(t, true, accepted["accepted"])
	assert.NotNil(t, accepted["response"])

	rejected := RejectSampling("busy").Payload().(map[string]any)
	assert.Equal(t, false, rejected["accepted"])
	assert.Equal(t, "busy", rejected["message"])
}

func TestElicitationPayloadShapes(t *testing.T) {
	accepted := AcceptElicitation(map[string]any{"name": "x"}).Payload().(map[string]any)
	assert.Equal(t, "accept", accepted["action"])

	rejected := RejectElicitation("nope").Payload().(map[string]any)
	assert.Equal(t, "reject", rejected["action"])
	assert.Equal(t, "nope", rejected["reason"])

	cancelled := CancelElicitation("closed").Payload().(map[string]any)
	assert.Equal(t, "cancel", cancelled["action"])
}

func TestElicitationPayloadForTimeoutIsCancel(t *testing.T) {
	async := NewAsyncResponse()
	async.Timeout()
	payload := ElicitationPayloadFor(async).(map[string]any)
	assert.Equal(t, "cancel", payload["action"])
	assert.Equal(t, TimedOutReason, payload["reason"])
}

func TestApprovalPayloadShapes(t *testing.T) {
	approved := Approve().Payload().(map[string]any)
	assert.Equal(t, "approved", approved["status"])

	denied := Deny("not today").Payload().(map[string]any)
	assert.Equal(t, "denied", denied["status"])
	assert.Equal(t, "not today", denied["reason"])

	deferred := DeferApproval(NewAsyncResponse(), 30).Payload().(map[string]any)
	assert.Equal(t, "deferred", deferred["status"])
	assert.Equal(t, 30.0, deferred["timeout"])
}

func TestApprovalPayloadForSettledDeferral(t *testing.T) {
	ok := NewAsyncResponse()
	ok.Complete(nil)
	assert.Equal(t, "approved", ApprovalPayloadFor(ok).(map[string]any)["status"])

	no := NewAsyncResponse()
	no.Reject("denied by reviewer")
	payload := ApprovalPayloadFor(no).(map[string]any)
	assert.Equal(t, "denied", payload["status"])
	assert.Equal(t, "denied by reviewer", payload["reason"])
}
