package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is an MCP tool definition.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ContentBlock is a content block in a tool result or prompt message.
// Raw JSON is preserved so non-text content types (images, resources)
// survive a round trip through this client.
type ContentBlock json.RawMessage

// MarshalJSON implements json.Marshaler.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	return json.RawMessage(c), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	*c = ContentBlock(data)
	return nil
}

// Text extracts the text field from a text content block, or "" for
// other block types.
func (c ContentBlock) Text() string {
	var block struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c, &block); err != nil || block.Type != "text" {
		return ""
	}
	return block.Text
}

// ToolResult is the result of tools/call.
type ToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Resource is an MCP resource listing entry.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is an MCP resource template listing entry.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one contents entry from resources/read. Text and
// Blob are mutually exclusive; Blob is base64.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Prompt is an MCP prompt listing entry.
type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// GetPromptResult is the result of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Completion is the completion member of completion/complete's result.
type Completion struct {
	Values  []string `json:"values"`
	Total   *int     `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompletionRef identifies what a completion request is for: a prompt
// argument or a resource template variable.
type CompletionRef struct {
	Type string `json:"type"` // "ref/prompt" or "ref/resource"
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// ListTools retrieves all tools, following pagination cursors until the
// server stops returning one.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if err := s.AssertCapability(FeatureTools); err != nil {
		return nil, err
	}
	var tools []Tool
	cursor := ""
	for {
		var result struct {
			Tools      []Tool `json:"tools"`
			NextCursor string `json:"nextCursor,omitempty"`
		}
		if err := s.callPage(ctx, "tools/list", cursor, &result); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool invokes a tool with the given arguments. A non-nil result
// with IsError set is a tool-level failure, not a protocol error.
func (s *Session) CallTool(ctx context.Context, name string, arguments any) (*ToolResult, error) {
	if err := s.AssertCapability(FeatureTools); err != nil {
		return nil, err
	}
	params := struct {
		Name      string `json:"name"`
		Arguments any    `json:"arguments,omitempty"`
	}{Name: name, Arguments: arguments}

	env, err := s.Request(ctx, "tools/call", params, 0)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var result ToolResult
	if err := env.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// ListResources retrieves all resources, following pagination.
func (s *Session) ListResources(ctx context.Context) ([]Resource, error) {
	if err := s.AssertCapability(FeatureResources); err != nil {
		return nil, err
	}
	var resources []Resource
	cursor := ""
	for {
		var result struct {
			Resources  []Resource `json:"resources"`
			NextCursor string     `json:"nextCursor,omitempty"`
		}
		if err := s.callPage(ctx, "resources/list", cursor, &result); err != nil {
			return nil, fmt.Errorf("resources/list: %w", err)
		}
		resources = append(resources, result.Resources...)
		if result.NextCursor == "" {
			return resources, nil
		}
		cursor = result.NextCursor
	}
}

// ListResourceTemplates retrieves all resource templates, following
// pagination.
func (s *Session) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	if err := s.AssertCapability(FeatureResources); err != nil {
		return nil, err
	}
	var templates []ResourceTemplate
	cursor := ""
	for {
		var result struct {
			ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
			NextCursor        string             `json:"nextCursor,omitempty"`
		}
		if err := s.callPage(ctx, "resources/templates/list", cursor, &result); err != nil {
			return nil, fmt.Errorf("resources/templates/list: %w", err)
		}
		templates = append(templates, result.ResourceTemplates...)
		if result.NextCursor == "" {
			return templates, nil
		}
		cursor = result.NextCursor
	}
}

// ReadResource fetches the contents of a resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	if err := s.AssertCapability(FeatureResources); err != nil {
		return nil, err
	}
	params := struct {
		URI string `json:"uri"`
	}{URI: uri}
	env, err := s.Request(ctx, "resources/read", params, 0)
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	var result struct {
		Contents []ResourceContents `json:"contents"`
	}
	if err := env.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	return result.Contents, nil
}

// SubscribeResource asks the server to push notifications/resources/
// updated for a URI. Requires the resources.subscribe capability.
func (s *Session) SubscribeResource(ctx context.Context, uri string) error {
	if err := s.AssertCapability(FeatureResourceSubscribe); err != nil {
		return err
	}
	params := struct {
		URI string `json:"uri"`
	}{URI: uri}
	if _, err := s.Request(ctx, "resources/subscribe", params, 0); err != nil {
		return fmt.Errorf("resources/subscribe %s: %w", uri, err)
	}
	return nil
}

// UnsubscribeResource cancels a resource subscription.
func (s *Session) UnsubscribeResource(ctx context.Context, uri string) error {
	if err := s.AssertCapability(FeatureResourceSubscribe); err != nil {
		return err
	}
	params := struct {
		URI string `json:"uri"`
	}{URI: uri}
	if _, err := s.Request(ctx, "resources/unsubscribe", params, 0); err != nil {
		return fmt.Errorf("resources/unsubscribe %s: %w", uri, err)
	}
	return nil
}

// ListPrompts retrieves all prompts, following pagination.
func (s *Session) ListPrompts(ctx context.Context) ([]Prompt, error) {
	if err := s.AssertCapability(FeaturePrompts); err != nil {
		return nil, err
	}
	var prompts []Prompt
	cursor := ""
	for {
		var result struct {
			Prompts    []Prompt `json:"prompts"`
			NextCursor string   `json:"nextCursor,omitempty"`
		}
		if err := s.callPage(ctx, "prompts/list", cursor, &result); err != nil {
			return nil, fmt.Errorf("prompts/list: %w", err)
		}
		prompts = append(prompts, result.Prompts...)
		if result.NextCursor == "" {
			return prompts, nil
		}
		cursor = result.NextCursor
	}
}

// GetPrompt renders a prompt with the given arguments.
func (s *Session) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error) {
	if err := s.AssertCapability(FeaturePrompts); err != nil {
		return nil, err
	}
	params := struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}{Name: name, Arguments: arguments}
	env, err := s.Request(ctx, "prompts/get", params, 0)
	if err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}
	var result GetPromptResult
	if err := env.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}
	return &result, nil
}

// Complete requests argument completion for a prompt argument or
// resource template variable.
func (s *Session) Complete(ctx context.Context, ref CompletionRef, argName, argValue string) (*Completion, error) {
	if err := s.AssertCapability(FeatureCompletions); err != nil {
		return nil, err
	}
	params := struct {
		Ref      CompletionRef `json:"ref"`
		Argument struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"argument"`
	}{Ref: ref}
	params.Argument.Name = argName
	params.Argument.Value = argValue

	env, err := s.Request(ctx, "completion/complete", params, 0)
	if err != nil {
		return nil, fmt.Errorf("completion/complete: %w", err)
	}
	var result struct {
		Completion Completion `json:"completion"`
	}
	if err := env.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("completion/complete: %w", err)
	}
	return &result.Completion, nil
}

// SetLogLevel asks the server to raise or lower its notification level.
func (s *Session) SetLogLevel(ctx context.Context, level string) error {
	if err := s.AssertCapability(FeatureLogging); err != nil {
		return err
	}
	params := struct {
		Level string `json:"level"`
	}{Level: level}
	if _, err := s.Request(ctx, "logging/setLevel", params, 0); err != nil {
		return fmt.Errorf("logging/setLevel: %w", err)
	}
	return nil
}

// Task calls are passed through untouched: their result shapes are
// server-defined, so callers get the raw result payload.

// ListTasks retrieves the server's task list.
func (s *Session) ListTasks(ctx context.Context) (json.RawMessage, error) {
	return s.taskCall(ctx, "tasks/list", struct{}{})
}

// GetTask fetches the state of one task.
func (s *Session) GetTask(ctx context.Context, taskID string) (json.RawMessage, error) {
	return s.taskCall(ctx, "tasks/get", taskParams{TaskID: taskID})
}

// TaskResult fetches the result of a completed task.
func (s *Session) TaskResult(ctx context.Context, taskID string) (json.RawMessage, error) {
	return s.taskCall(ctx, "tasks/result", taskParams{TaskID: taskID})
}

// CancelTask asks the server to cancel a task.
func (s *Session) CancelTask(ctx context.Context, taskID string) error {
	_, err := s.taskCall(ctx, "tasks/cancel", taskParams{TaskID: taskID})
	return err
}

type taskParams struct {
	TaskID string `json:"taskId"`
}

func (s *Session) taskCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	env, err := s.Request(ctx, method, params, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	var raw json.RawMessage
	if err := env.UnmarshalResult(&raw); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return raw, nil
}

// callPage issues one page of a cursor-paginated list call.
func (s *Session) callPage(ctx context.Context, method, cursor string, result any) error {
	var params any
	if cursor != "" {
		params = struct {
			Cursor string `json:"cursor"`
		}{Cursor: cursor}
	} else {
		params = struct{}{}
	}
	env, err := s.Request(ctx, method, params, 0)
	if err != nil {
		return err
	}
	return env.UnmarshalResult(result)
}
