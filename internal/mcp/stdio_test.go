package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/mcpkit/internal/handler"
	"github.com/Bigsy/mcpkit/internal/mcptest"
)

// TestHelperProcess is the fake server entry point for re-executed test
// binaries. It is not a test of this package.
func TestHelperProcess(t *testing.T) {
	mcptest.RunHelperProcess(t)
}

// newStdioSession spawns the fake server and returns an unstarted session
// wired to it over stdio.
func newStdioSession(t *testing.T, fake mcptest.FakeServerConfig, cfg SessionConfig) *Session {
	t.Helper()
	command, args, env := mcptest.ServerCommand(t, fake)
	cfg.Transport = "stdio"
	cfg.TransportConfig = TransportConfig{Command: command, Args: args, Env: env}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestStdioSessionHandshake(t *testing.T) {
	s := newStdioSession(t, mcptest.FakeServerConfig{}, SessionConfig{})
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, StateInitialized, s.State())
	assert.True(t, s.Alive())
	assert.Equal(t, "2025-03-26", s.AgreedVersion())
	assert.Equal(t, "fake-server", s.ServerInfo().Name)
	require.NotNil(t, s.Capabilities().Resources)
	assert.True(t, s.Capabilities().Resources.Subscribe)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.Alive())
}

func TestStdioStartIsIdempotent(t *testing.T) {
	s := newStdioSession(t, mcptest.FakeServerConfig{}, SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StateInitialized, s.State())
}

func TestStdioUnsupportedProtocolVersion(t *testing.T) {
	s := newStdioSession(t, mcptest.FakeServerConfig{ProtocolVersion: "1990-01-01"}, SessionConfig{})
	err := s.Start(context.Background())
	var unsupported *UnsupportedProtocolVersionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "1990-01-01", unsupported.Version)
	assert.Equal(t, StateClosed, s.State())
}

func TestStdioListAndCallTools(t *testing.T) {
	fake := mcptest.FakeServerConfig{
		Tools:         []mcptest.Tool{{Name: "echo", Description: "repeats input"}},
		EchoToolCalls: true,
	}
	s := newStdioSession(t, fake, SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result, err := s.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, `echo({"text":"hi"})`, result.Content[0].Text())
}

func TestStdioResourcesAndPrompts(t *testing.T) {
	fake := mcptest.FakeServerConfig{
		Resources: []mcptest.Resource{{URI: "file:///a.txt", Name: "a", MimeType: "text/plain", Text: "hello"}},
		Prompts:   []mcptest.Prompt{{Name: "greet", Description: "a greeting", Text: "say hi"}},
	}
	s := newStdioSession(t, fake, SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	resources, err := s.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "file:///a.txt", resources[0].URI)

	contents, err := s.ReadResource(ctx, "file:///a.txt")
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "hello", contents[0].Text)

	require.NoError(t, s.SubscribeResource(ctx, "file:///a.txt"))
	require.NoError(t, s.UnsubscribeResource(ctx, "file:///a.txt"))

	prompts, err := s.ListPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 1)

	rendered, err := s.GetPrompt(ctx, "greet", nil)
	require.NoError(t, err)
	require.Len(t, rendered.Messages, 1)
	assert.Equal(t, "say hi", rendered.Messages[0].Content.Text())

	require.NoError(t, s.SetLogLevel(ctx, "debug"))
}

func TestStdioCapabilityGating(t *testing.T) {
	s := newStdioSession(t, mcptest.FakeServerConfig{}, SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	// The fake server never declares completions.
	_, err := s.Complete(ctx, CompletionRef{Type: "ref/prompt", Name: "greet"}, "arg", "va")
	var unsupported *UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, FeatureCompletions, unsupported.Feature)
}

func TestStdioNoiseBeforeResponses(t *testing.T) {
	fake := mcptest.FakeServerConfig{
		SendNotificationBeforeResponse: true,
		SendMismatchedIDFirst:          true,
	}
	s := newStdioSession(t, fake, SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Ping(ctx))
}

func TestStdioServerErrorSurfaced(t *testing.T) {
	fake := mcptest.FakeServerConfig{
		Errors: map[string]mcptest.RPCError{
			"tools/list": {Code: -32603, Message: "backend exploded"},
		},
	}
	s := newStdioSession(t, fake, SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	_, err := s.ListTools(ctx)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32603, rpcErr.Code)
	assert.Equal(t, "backend exploded", rpcErr.Message)
}

func TestStdioRequestTimeout(t *testing.T) {
	fake := mcptest.FakeServerConfig{
		Delays: map[string]time.Duration{"ping": 500 * time.Millisecond},
	}
	s := newStdioSession(t, fake, SessionConfig{RequestTimeout: 100 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	err := s.Ping(ctx)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "ping", timeout.Method)
	assert.True(t, s.Alive(), "a timed out request does not kill the transport")
}

func TestStdioTimeoutSendsCancelledHint(t *testing.T) {
	fake := mcptest.FakeServerConfig{
		Delays:       map[string]time.Duration{"ping": 400 * time.Millisecond},
		AckCancelled: true,
	}
	s := newStdioSession(t, fake, SessionConfig{RequestTimeout: 100 * time.Millisecond})
	acks := make(chan LoggingNotification, 1)
	s.OnLogging(func(n LoggingNotification) {
		select {
		case acks <- n:
		default:
		}
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	err := s.Ping(ctx)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)

	// The server echoes the cancellation hint back once it reads it off
	// stdin, proving the frame actually reached the child.
	select {
	case n := <-acks:
		assert.Contains(t, string(n.Data), `"reason":"timeout"`)
		assert.Contains(t, string(n.Data), `"requestId":2`)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation hint never reached the server")
	}
}

func TestStdioCrashFailsPending(t *testing.T) {
	fake := mcptest.FakeServerConfig{CrashOnMethod: "ping", CrashExitCode: 3}
	s := newStdioSession(t, fake, SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	err := s.Ping(ctx)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)

	// Once the child is gone the transport refuses further traffic.
	require.Eventually(t, func() bool { return !s.Alive() }, time.Second, 10*time.Millisecond)
}

func TestStdioMalformedResponseKeepsTransportOpen(t *testing.T) {
	command, args, env := mcptest.ServerCommand(t, mcptest.FakeServerConfig{Malformed: true})
	transport := NewStdioTransport(TransportConfig{Command: command, Args: args, Env: env})
	transport.SetHandler(func(*Envelope) {})
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	req, err := NewRequest(NewID(1), "ping", nil)
	require.NoError(t, err)
	_, err = transport.Request(context.Background(), req, 100*time.Millisecond)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, transport.Alive())
}

func TestStdioProgressNotifications(t *testing.T) {
	fake := mcptest.FakeServerConfig{ProgressOnToolCall: true}
	s := newStdioSession(t, fake, SessionConfig{})
	progress := make(chan ProgressNotification, 1)
	s.OnProgress(func(n ProgressNotification) {
		select {
		case progress <- n:
		default:
		}
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	_, err := s.CallTool(ctx, "anything", nil)
	require.NoError(t, err)

	select {
	case n := <-progress:
		assert.Equal(t, 0.5, n.Progress)
	case <-time.After(time.Second):
		t.Fatal("progress notification never arrived")
	}
}

func TestStdioElicitationRoundTrip(t *testing.T) {
	fake := mcptest.FakeServerConfig{ElicitBeforeTool: true, EchoToolCalls: true}
	s := newStdioSession(t, fake, SessionConfig{})
	var askedFor string
	s.OnElicitation(func(ctx context.Context, e *handler.Elicitation) (*handler.ElicitationResult, error) {
		askedFor = e.Message
		return handler.AcceptElicitation(map[string]any{"confirmed": true}), nil
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	result, err := s.CallTool(ctx, "demo", nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "confirm demo", askedFor)
}

func TestStdioDeferredElicitation(t *testing.T) {
	fake := mcptest.FakeServerConfig{ElicitBeforeTool: true}
	s := newStdioSession(t, fake, SessionConfig{})
	pending := make(chan string, 1)
	s.OnElicitation(func(ctx context.Context, e *handler.Elicitation) (*handler.ElicitationResult, error) {
		pending <- e.ID
		return handler.DeferElicitation(e.Response), nil
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := s.CallTool(ctx, "slow", nil)
		done <- err
	}()

	select {
	case id := <-pending:
		require.Eventually(t, func() bool {
			_, ok := s.Elicitations().Retrieve(id)
			return ok
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, s.Elicitations().Complete(id, map[string]any{"answer": "yes"}))
	case <-time.After(2 * time.Second):
		t.Fatal("elicitation never reached the handler")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tool call never finished")
	}

	// The settled entry is gone from the registry.
	_, ok := s.Elicitations().Retrieve("srv-1")
	assert.False(t, ok)
}

func TestStdioRestart(t *testing.T) {
	s := newStdioSession(t, mcptest.FakeServerConfig{}, SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop())

	require.NoError(t, s.Restart(ctx))
	assert.Equal(t, StateInitialized, s.State())
	require.NoError(t, s.Ping(ctx))
}

func TestStdioTransportCloseThenStart(t *testing.T) {
	command, args, env := mcptest.ServerCommand(t, mcptest.FakeServerConfig{})
	transport := NewStdioTransport(TransportConfig{Command: command, Args: args, Env: env})
	transport.SetHandler(func(*Envelope) {})
	ctx := context.Background()
	require.NoError(t, transport.Start(ctx))
	t.Cleanup(func() { _ = transport.Close() })

	req, err := NewRequest(NewID(1), "ping", nil)
	require.NoError(t, err)
	_, err = transport.Request(ctx, req, time.Second)
	require.NoError(t, err)

	require.NoError(t, transport.Close())
	_, err = transport.Request(ctx, req, time.Second)
	require.ErrorIs(t, err, ErrTransportClosed)

	// A fresh child accepts requests again.
	require.NoError(t, transport.Start(ctx))
	req, err = NewRequest(NewID(2), "ping", nil)
	require.NoError(t, err)
	_, err = transport.Request(ctx, req, time.Second)
	require.NoError(t, err)
}

func TestMergeEnv(t *testing.T) {
	merged := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.Contains(t, merged, "A=1")
	assert.Contains(t, merged, "B=3")
	assert.Contains(t, merged, "C=4")
	assert.NotContains(t, merged, "B=2")
}

func TestTransportRegistry(t *testing.T) {
	names := TransportNames()
	assert.Contains(t, names, "stdio")
	assert.Contains(t, names, "sse")
	assert.Contains(t, names, "streamable")

	_, err := NewTransport("carrier-pigeon", TransportConfig{})
	require.Error(t, err)

	RegisterTransport("custom-test", func(cfg TransportConfig) (Transport, error) {
		return NewStdioTransport(cfg), nil
	})
	transport, err := NewTransport("custom-test", TransportConfig{Command: "true"})
	require.NoError(t, err)
	assert.NotNil(t, transport)
}
