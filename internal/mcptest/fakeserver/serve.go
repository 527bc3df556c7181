package fakeserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Serve runs the fake server over in/out until EOF. It answers the MCP
// methods configured in cfg and honors the scripted failure modes.
func Serve(ctx context.Context, in io.Reader, out io.Writer, cfg Config) error {
	s := &server{cfg: cfg, reader: bufio.NewReader(in), out: out}
	return s.run(ctx)
}

type server struct {
	cfg    Config
	reader *bufio.Reader
	out    io.Writer
	nextID int
	count  int
}

func (s *server) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req rpcFrame
		if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
			return err
		}
		if req.Method == "" {
			// Stray response frame; nothing waits on it here.
			continue
		}

		s.count++
		if s.cfg.CrashOnNthRequest > 0 && s.count >= s.cfg.CrashOnNthRequest {
			os.Exit(s.cfg.CrashExitCode)
		}
		if s.cfg.CrashOnMethod != "" && req.Method == s.cfg.CrashOnMethod {
			os.Exit(s.cfg.CrashExitCode)
		}
		if delay, ok := s.cfg.Delays[req.Method]; ok {
			time.Sleep(delay)
		}
		if req.ID == nil {
			if s.cfg.AckCancelled && req.Method == "notifications/cancelled" {
				s.writeFrame(rpcFrame{
					JSONRPC: "2.0",
					Method:  "notifications/message",
					Params:  json.RawMessage(fmt.Sprintf(`{"level":"debug","data":%s}`, req.Params)),
				})
			}
			// Notification; nothing else to answer.
			continue
		}
		if s.cfg.Malformed {
			s.out.Write([]byte("this is not valid json\n"))
			continue
		}
		if rpcErr, ok := s.cfg.Errors[req.Method]; ok {
			s.writeError(req.ID, rpcErr)
			continue
		}

		s.handle(req)
	}
}

func (s *server) handle(req rpcFrame) {
	switch req.Method {
	case "initialize":
		version := s.cfg.ProtocolVersion
		if version == "" {
			version = "2025-03-26"
		}
		caps := map[string]any{
			"tools":     map[string]any{},
			"logging":   map[string]any{},
			"resources": map[string]any{"subscribe": true},
			"prompts":   map[string]any{},
		}
		s.writeResult(req.ID, initializeResult{
			ProtocolVersion: version,
			Capabilities:    caps,
			ServerInfo:      serverInfo{Name: "fake-server", Version: "1.0.0"},
		})

	case "ping":
		s.writeResult(req.ID, struct{}{})

	case "tools/list":
		tools := s.cfg.Tools
		if tools == nil {
			tools = []Tool{}
		}
		s.writeResult(req.ID, map[string]any{"tools": tools})

	case "tools/call":
		s.handleToolCall(req)

	case "resources/list":
		type listed struct {
			URI      string `json:"uri"`
			Name     string `json:"name,omitempty"`
			MimeType string `json:"mimeType,omitempty"`
		}
		resources := []listed{}
		for _, r := range s.cfg.Resources {
			resources = append(resources, listed{URI: r.URI, Name: r.Name, MimeType: r.MimeType})
		}
		s.writeResult(req.ID, map[string]any{"resources": resources})

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(req.Params, &params)
		for _, r := range s.cfg.Resources {
			if r.URI == params.URI {
				s.writeResult(req.ID, map[string]any{
					"contents": []map[string]any{{"uri": r.URI, "mimeType": r.MimeType, "text": r.Text}},
				})
				return
			}
		}
		s.writeError(req.ID, RPCError{Code: -32602, Message: "unknown resource"})

	case "resources/subscribe", "resources/unsubscribe", "logging/setLevel":
		s.writeResult(req.ID, struct{}{})

	case "prompts/list":
		type listed struct {
			Name        string `json:"name"`
			Description string `json:"description,omitempty"`
		}
		prompts := []listed{}
		for _, p := range s.cfg.Prompts {
			prompts = append(prompts, listed{Name: p.Name, Description: p.Description})
		}
		s.writeResult(req.ID, map[string]any{"prompts": prompts})

	case "prompts/get":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &params)
		for _, p := range s.cfg.Prompts {
			if p.Name == params.Name {
				s.writeResult(req.ID, map[string]any{
					"description": p.Description,
					"messages": []map[string]any{{
						"role":    "user",
						"content": contentBlock{Type: "text", Text: p.Text},
					}},
				})
				return
			}
		}
		s.writeError(req.ID, RPCError{Code: -32602, Message: "unknown prompt"})

	default:
		s.writeError(req.ID, RPCError{Code: -32601, Message: "Method not found"})
	}
}

func (s *server) handleToolCall(req rpcFrame) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	_ = json.Unmarshal(req.Params, &params)

	if s.cfg.ElicitBeforeTool {
		if _, err := s.elicit("confirm " + params.Name); err != nil {
			s.writeError(req.ID, RPCError{Code: -32603, Message: "elicitation failed: " + err.Error()})
			return
		}
	}
	if s.cfg.ProgressOnToolCall {
		s.writeFrame(rpcFrame{
			JSONRPC: "2.0",
			Method:  "notifications/progress",
			Params:  json.RawMessage(`{"progressToken":"t1","progress":0.5}`),
		})
	}

	text := "ok"
	if s.cfg.EchoToolCalls {
		text = fmt.Sprintf("%s(%s)", params.Name, params.Arguments)
	}
	s.writeResult(req.ID, map[string]any{
		"content": []contentBlock{{Type: "text", Text: text}},
	})
}

// elicit issues an elicitation/create request to the client and blocks
// until the matching response line arrives. Frames for other ids are
// dropped; real interleaving is not needed for the scripted scenarios.
func (s *server) elicit(message string) (json.RawMessage, error) {
	s.nextID++
	id := json.RawMessage(fmt.Sprintf(`"srv-%d"`, s.nextID))
	params := map[string]any{"message": message}
	if len(s.cfg.ElicitationSchema) > 0 {
		params["requestedSchema"] = s.cfg.ElicitationSchema
	}
	raw, _ := json.Marshal(params)
	s.writeFrame(rpcFrame{JSONRPC: "2.0", ID: id, Method: "elicitation/create", Params: raw})

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		var resp rpcFrame
		if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
			return nil, err
		}
		if resp.Method != "" || !bytes.Equal(resp.ID, id) {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s", resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (s *server) writeResult(id json.RawMessage, result any) {
	s.writeNoise()
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	s.writeFrame(rpcFrame{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *server) writeError(id json.RawMessage, rpcErr RPCError) {
	s.writeNoise()
	s.writeFrame(rpcFrame{JSONRPC: "2.0", ID: id, Error: &rpcErr})
}

// writeNoise emits the configured interleaved frames before a response.
func (s *server) writeNoise() {
	if s.cfg.SendNotificationBeforeResponse {
		s.writeFrame(rpcFrame{JSONRPC: "2.0", Method: "test/noise"})
	}
	if s.cfg.SendMismatchedIDFirst {
		s.writeFrame(rpcFrame{
			JSONRPC: "2.0",
			ID:      json.RawMessage(`99999`),
			Result:  json.RawMessage(`{}`),
		})
	}
}

func (s *server) writeFrame(frame rpcFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}
