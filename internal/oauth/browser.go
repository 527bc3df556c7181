package oauth

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/browser"

	"github.com/Bigsy/mcpkit/internal/mcp"
)

const (
	// DefaultCallbackPort matches DefaultRedirectURI.
	DefaultCallbackPort = 8080

	// DefaultCallbackPath is the loopback path the redirect lands on.
	DefaultCallbackPath = "/callback"

	// DefaultFlowTimeout bounds the whole browser interaction.
	DefaultFlowTimeout = 5 * time.Minute
)

const defaultSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Complete</title><link rel="icon" href="data:,"></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>Authorization Complete</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`

const defaultErrorPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title><link rel="icon" href="data:,"></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>Authorization Failed</h1>
<p>%s</p>
<p>You can close this window.</p>
</body>
</html>`

// BrowserFlow completes the authorization-code flow for CLI and desktop
// apps: it binds a loopback listener, opens the system browser on the
// authorization URL, waits for the single redirect, and finishes the
// exchange.
type BrowserFlow struct {
	Provider *Provider

	// Port defaults to DefaultCallbackPort; Path to DefaultCallbackPath.
	Port int
	Path string

	// OpenBrowser launches the system browser; when false the URL is
	// handed to PrintURL instead.
	OpenBrowser bool
	PrintURL    func(url string)

	// SuccessPage overrides the HTML served on success. ErrorPage
	// receives the already HTML-escaped error message.
	SuccessPage string
	ErrorPage   func(escapedError string) string

	Timeout time.Duration
}

// NewBrowserFlow returns a flow with the defaults filled in.
func NewBrowserFlow(provider *Provider) *BrowserFlow {
	return &BrowserFlow{
		Provider:    provider,
		Port:        DefaultCallbackPort,
		Path:        DefaultCallbackPath,
		OpenBrowser: true,
		Timeout:     DefaultFlowTimeout,
	}
}

type callbackOutcome struct {
	code             string
	state            string
	errorCode        string
	errorDescription string
}

// Authorize runs the whole flow and returns the obtained token. The
// listener is always closed, including on timeout and error paths.
func (f *BrowserFlow) Authorize(ctx context.Context) (*Token, error) {
	port := f.Port
	if port == 0 {
		port = DefaultCallbackPort
	}
	path := f.Path
	if path == "" {
		path = DefaultCallbackPath
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFlowTimeout
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, &mcp.TransportError{
			Op:  "bind oauth callback listener",
			Err: fmt.Errorf("port %d unavailable (is another login in progress?): %w", port, err),
		}
	}

	expected := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	if f.Provider.RedirectURI() != expected {
		f.Provider.logger.Warn("rewriting redirect URI to match callback listener",
			"configured", f.Provider.RedirectURI(), "listener", expected)
		f.Provider.SetRedirectURI(expected)
	}

	outcome := make(chan callbackOutcome, 1)
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// A stray request (favicon, health probe) must not consume the
		// one callback we are waiting for.
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		result := callbackOutcome{
			code:             q.Get("code"),
			state:            q.Get("state"),
			errorCode:        q.Get("error"),
			errorDescription: q.Get("error_description"),
		}
		if result.errorCode != "" || result.code == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			msg := result.errorDescription
			if msg == "" {
				msg = result.errorCode
			}
			if msg == "" {
				msg = "no authorization code received"
			}
			fmt.Fprint(w, f.renderErrorPage(html.EscapeString(msg)))
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, f.renderSuccessPage())
		}
		once.Do(func() { outcome <- result })
	})

	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL, err := f.Provider.StartAuthorizationFlow(ctx)
	if err != nil {
		return nil, err
	}

	if f.OpenBrowser {
		if err := browser.OpenURL(authURL); err != nil {
			f.Provider.logger.Warn("open browser failed; visit the URL manually", "error", err)
			f.printURL(authURL)
		}
	} else {
		f.printURL(authURL)
	}

	select {
	case result := <-outcome:
		if result.errorCode != "" {
			return nil, &mcp.TransportError{
				Op:  "oauth authorization",
				Err: fmt.Errorf("%s: %s", result.errorCode, result.errorDescription),
			}
		}
		if result.code == "" {
			return nil, &mcp.TransportError{
				Op:  "oauth authorization",
				Err: fmt.Errorf("callback carried no authorization code"),
			}
		}
		return f.Provider.CompleteAuthorizationFlow(ctx, result.code, result.state)
	case <-time.After(timeout):
		return nil, &mcp.TimeoutError{Method: "oauth callback"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *BrowserFlow) printURL(url string) {
	if f.PrintURL != nil {
		f.PrintURL(url)
		return
	}
	fmt.Println("Open this URL to authorize:", url)
}

func (f *BrowserFlow) renderSuccessPage() string {
	if f.SuccessPage != "" {
		return f.SuccessPage
	}
	return defaultSuccessPage
}

func (f *BrowserFlow) renderErrorPage(escapedError string) string {
	if f.ErrorPage != nil {
		return f.ErrorPage(escapedError)
	}
	return fmt.Sprintf(defaultErrorPage, escapedError)
}
