package handler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Elicitation is a pending elicitation/create request: the server's
// message, the JSON schema the response must satisfy, and the async
// response that eventually carries the user's answer.
type Elicitation struct {
	ID              string
	Message         string
	RequestedSchema json.RawMessage
	Response        *AsyncResponse
}

// NewElicitation builds a pending elicitation from request params.
func NewElicitation(id, message string, schema json.RawMessage) *Elicitation {
	return &Elicitation{
		ID:              id,
		Message:         message,
		RequestedSchema: schema,
		Response:        NewAsyncResponse(),
	}
}

// ValidateResponse checks a candidate answer against the server-sent
// schema. A nil or empty schema accepts anything.
func (e *Elicitation) ValidateResponse(response any) error {
	if len(e.RequestedSchema) == 0 {
		return nil
	}
	doc, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal elicitation response: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(e.RequestedSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("validate elicitation response: %w", err)
	}
	if !result.Valid() {
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return fmt.Errorf("elicitation response does not match requested schema: %s", strings.Join(reasons, "; "))
	}
	return nil
}

// Complete validates the answer against the schema and completes the
// async response. A schema violation rejects instead.
func (e *Elicitation) Complete(response any) error {
	if err := e.ValidateResponse(response); err != nil {
		e.Response.Reject(err.Error())
		return err
	}
	e.Response.Complete(response)
	return nil
}

// Approval is a pending human-in-the-loop request: what is being
// approved plus the promise that resolves with the decision.
type Approval struct {
	ID       string
	ToolName string
	Params   json.RawMessage
	Decision *Promise
}

// NewApproval builds a pending approval.
func NewApproval(id, toolName string, params json.RawMessage) *Approval {
	return &Approval{ID: id, ToolName: toolName, Params: params, Decision: NewPromise()}
}
