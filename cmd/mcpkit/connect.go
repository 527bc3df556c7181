package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/Bigsy/mcpkit/internal/handler"
	"github.com/Bigsy/mcpkit/internal/mcp"
	"github.com/Bigsy/mcpkit/internal/oauth"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// transportConfig assembles the transport configuration from the global
// flags.
func transportConfig() (mcp.TransportConfig, error) {
	cfg := mcp.TransportConfig{
		Command:        flagCommand,
		Args:           flagArgs,
		URL:            flagURL,
		BearerToken:    flagBearer,
		RequestTimeout: time.Duration(flagTimeout) * time.Second,
	}

	switch flagTransport {
	case "stdio":
		if cfg.Command == "" {
			return cfg, fmt.Errorf("--command is required for the stdio transport")
		}
	case "sse", "streamable":
		if cfg.URL == "" {
			return cfg, fmt.Errorf("--url is required for the %s transport", flagTransport)
		}
	default:
		return cfg, fmt.Errorf("unknown transport %q (have: %s)", flagTransport, strings.Join(mcp.TransportNames(), ", "))
	}

	if len(flagHeaders) > 0 {
		cfg.Headers = make(map[string]string, len(flagHeaders))
		for _, header := range flagHeaders {
			name, value, found := strings.Cut(header, ":")
			if !found {
				return cfg, fmt.Errorf("malformed header %q (want 'Name: value')", header)
			}
			cfg.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}

	if flagOAuth {
		provider, err := oauthProvider()
		if err != nil {
			return cfg, err
		}
		cfg.OAuth = provider
	}
	return cfg, nil
}

// oauthProvider builds the provider for the server named by --url with
// the storage backend from --storage.
func oauthProvider() (*oauth.Provider, error) {
	if flagURL == "" {
		return nil, fmt.Errorf("--oauth requires --url")
	}
	storage, err := oauthStorage()
	if err != nil {
		return nil, err
	}
	return oauth.NewProvider(oauth.Config{
		ServerURL:  flagURL,
		Scope:      flagScope,
		Storage:    storage,
		ClientName: "mcpkit",
	}), nil
}

func oauthStorage() (oauth.Storage, error) {
	switch flagStorage {
	case "memory":
		return oauth.NewMemoryStorage(), nil
	case "file":
		return oauth.NewFileStorage()
	case "keyring":
		store, err := oauth.NewKeyringStorage()
		if err != nil {
			fmt.Println(dimStyle.Render("keyring unavailable, falling back to file storage"))
			return oauth.NewFileStorage()
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage %q (have: memory, file, keyring)", flagStorage)
	}
}

// connect starts a session with interactive elicitation and approval
// handlers wired to terminal prompts.
func connect(ctx context.Context) (*mcp.Session, error) {
	cfg, err := transportConfig()
	if err != nil {
		return nil, err
	}

	session, err := mcp.NewSession(mcp.SessionConfig{
		Transport:       flagTransport,
		TransportConfig: cfg,
		ClientInfo:      mcp.ClientInfo{Name: "mcpkit", Version: version},
		RequestTimeout:  time.Duration(flagTimeout) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	session.OnElicitation(promptElicitation)
	session.OnApproval(promptApproval)
	session.OnLogging(func(n mcp.LoggingNotification) {
		fmt.Println(dimStyle.Render(fmt.Sprintf("[server %s] %s", n.Level, n.Data)))
	})
	session.OnProgress(func(n mcp.ProgressNotification) {
		if n.Total != nil && *n.Total > 0 {
			pct := 100 * n.Progress / *n.Total
			fmt.Println(dimStyle.Render(fmt.Sprintf("progress: %.0f%%", pct)))
			return
		}
		fmt.Println(dimStyle.Render(fmt.Sprintf("progress: %v", n.Progress)))
	})

	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// promptElicitation answers elicitation/create with a free-form terminal
// input. The session validates the answer against the requested schema
// before replying.
func promptElicitation(ctx context.Context, e *handler.Elicitation) (*handler.ElicitationResult, error) {
	var answer string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Server request").
			Description(e.Message).
			Value(&answer),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return handler.CancelElicitation("input cancelled"), nil
	}

	// Structured schemas get the answer as JSON; plain strings pass
	// through untouched.
	if len(e.RequestedSchema) > 0 {
		var structured any
		if err := json.Unmarshal([]byte(answer), &structured); err == nil {
			return handler.AcceptElicitation(structured), nil
		}
	}
	return handler.AcceptElicitation(answer), nil
}

// promptApproval answers human-in-the-loop requests with a yes/no
// confirmation.
func promptApproval(ctx context.Context, a *handler.Approval) (*handler.ApprovalResult, error) {
	var approved bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Allow %s?", a.ToolName)).
			Description(string(a.Params)).
			Value(&approved),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return handler.Deny("input cancelled"), nil
	}
	if !approved {
		return handler.Deny("denied by user"), nil
	}
	return handler.Approve(), nil
}
