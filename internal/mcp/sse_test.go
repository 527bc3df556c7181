package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAuthorizer is a scriptable Authorizer for transport tests.
type stubAuthorizer struct {
	mu           sync.Mutex
	token        string
	recoverToken string
	recoverErr   error
	challenges   []*AuthChallengeInfo
}

func (a *stubAuthorizer) AccessToken(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, nil
}

func (a *stubAuthorizer) HandleUnauthorized(_ context.Context, challenge *AuthChallengeInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.challenges = append(a.challenges, challenge)
	if a.recoverErr != nil {
		return a.recoverErr
	}
	a.token = a.recoverToken
	return nil
}

// sseTestServer is a minimal HTTP+SSE peer: a GET event stream announcing
// a message endpoint, and a POST endpoint that answers every request by
// pushing an echo response onto the stream.
type sseTestServer struct {
	*httptest.Server
	endpointData string // data payload of the endpoint event
	checkPost    func(r *http.Request)
	mute         bool // accept POSTs but never answer them
	closeStream  chan struct{}
	events       chan []byte
}

func newSSETestServer(t *testing.T, middleware ...func(http.Handler) http.Handler) *sseTestServer {
	t.Helper()
	s := &sseTestServer{
		closeStream: make(chan struct{}),
		events:      make(chan []byte, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		data := s.endpointData
		if data == "" {
			data = "/messages"
		}
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", data)
		flusher.Flush()

		for {
			select {
			case frame := <-s.events:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			case <-s.closeStream:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if s.checkPost != nil {
			s.checkPost(r)
		}
		var frame struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&frame))
		w.WriteHeader(http.StatusAccepted)
		if s.mute || len(frame.ID) == 0 || frame.Method == "" {
			return
		}
		s.events <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"echo":%q}}`, frame.ID, frame.Method))
	})
	var handler http.Handler = mux
	for _, mw := range middleware {
		handler = mw(handler)
	}
	s.Server = httptest.NewServer(handler)
	t.Cleanup(s.Server.Close)
	return s
}

func (s *sseTestServer) transport(cfg TransportConfig) *SSETransport {
	cfg.URL = s.URL + "/stream"
	transport := NewSSETransport(cfg)
	transport.SetHandler(func(*Envelope) {})
	return transport
}

func TestSSEEndpointAndRequest(t *testing.T) {
	server := newSSETestServer(t)
	transport := server.transport(TransportConfig{})
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })
	assert.True(t, transport.Alive())

	req, err := NewRequest(NewID(1), "ping", nil)
	require.NoError(t, err)
	resp, err := transport.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)

	var result struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, resp.UnmarshalResult(&result))
	assert.Equal(t, "ping", result.Echo)
}

func TestSSEEndpointEventAsJSONObject(t *testing.T) {
	server := newSSETestServer(t)
	server.endpointData = `{"url":"/messages"}`
	transport := server.transport(TransportConfig{})
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	req, err := NewRequest(NewID(1), "ping", nil)
	require.NoError(t, err)
	_, err = transport.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
}

func TestSSEHeadersOnPost(t *testing.T) {
	server := newSSETestServer(t)
	var gotAuth, gotVersion, gotCustom string
	server.checkPost = func(r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("MCP-Protocol-Version")
		gotCustom = r.Header.Get("X-Custom")
	}
	transport := server.transport(TransportConfig{
		BearerToken: "sekrit",
		Headers:     map[string]string{"X-Custom": "yes"},
	})
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })
	transport.SetProtocolVersion("2025-03-26")

	req, err := NewRequest(NewID(1), "ping", nil)
	require.NoError(t, err)
	_, err = transport.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "2025-03-26", gotVersion)
	assert.Equal(t, "yes", gotCustom)
}

func TestSSE401WithoutAuthorizer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcp", resource_metadata="https://auth.example.com/.well-known/oauth-protected-resource"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	transport := NewSSETransport(TransportConfig{URL: server.URL})
	transport.SetHandler(func(*Envelope) {})
	err := transport.Start(context.Background())

	var authErr *AuthenticationRequiredError
	require.ErrorAs(t, err, &authErr)
	require.NotNil(t, authErr.Challenge)
	assert.Equal(t, "mcp", authErr.Challenge.Realm)
	assert.Equal(t, "https://auth.example.com/.well-known/oauth-protected-resource", authErr.Challenge.ResourceMetadata)
}

func TestSSE401RecoveredOnce(t *testing.T) {
	auth := &stubAuthorizer{token: "stale", recoverToken: "fresh"}
	server := newSSETestServer(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	transport := server.transport(TransportConfig{OAuth: auth})
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	require.Len(t, auth.challenges, 1)
	assert.Equal(t, "mcp", auth.challenges[0].Realm)
}

func TestSSE401RecoveryFailureSurfaces(t *testing.T) {
	wantErr := &AuthenticationRequiredError{}
	auth := &stubAuthorizer{token: "stale", recoverErr: wantErr}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	transport := NewSSETransport(TransportConfig{URL: server.URL, OAuth: auth})
	transport.SetHandler(func(*Envelope) {})
	err := transport.Start(context.Background())
	require.ErrorIs(t, err, wantErr)
}

func TestSSEStreamTerminationFailsPending(t *testing.T) {
	server := newSSETestServer(t)
	server.mute = true
	transport := server.transport(TransportConfig{})
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	// Register a request the server will never answer, then kill the
	// stream out from under it.
	req, err := NewRequest(NewID(42), "never/answered", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := transport.Request(context.Background(), req, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(server.closeStream)

	select {
	case err := <-done:
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request survived stream termination")
	}
	assert.False(t, transport.Alive())
}

func TestSSENonOKStatusIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	transport := NewSSETransport(TransportConfig{URL: server.URL})
	transport.SetHandler(func(*Envelope) {})
	err := transport.Start(context.Background())

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusServiceUnavailable, transportErr.HTTPStatus)
}
