package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpkit/internal/logging"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagTransport string
	flagCommand   string
	flagArgs      []string
	flagURL       string
	flagHeaders   []string
	flagBearer    string
	flagOAuth     bool
	flagScope     string
	flagStorage   string
	flagTimeout   int
	flagDebug     bool
)

var rootCmd = &cobra.Command{
	Use:   "mcpkit",
	Short: "MCP client toolkit",
	Long: `mcpkit talks to Model Context Protocol servers over stdio, SSE, or
streamable HTTP: list and call tools, read resources, render prompts,
and run the OAuth login flow for protected servers.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagDebug {
			logging.SetLevel(slog.LevelDebug)
		}
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagTransport, "transport", "t", "stdio", "Transport: stdio, sse, or streamable")
	pf.StringVar(&flagCommand, "command", "", "Server command (stdio transport)")
	pf.StringSliceVar(&flagArgs, "arg", nil, "Server command argument (repeatable)")
	pf.StringVarP(&flagURL, "url", "u", "", "Server URL (sse and streamable transports)")
	pf.StringSliceVarP(&flagHeaders, "header", "H", nil, "Extra HTTP header as 'Name: value' (repeatable)")
	pf.StringVar(&flagBearer, "bearer", "", "Static bearer token")
	pf.BoolVar(&flagOAuth, "oauth", false, "Authenticate with stored OAuth credentials")
	pf.StringVar(&flagScope, "scope", "", "OAuth scope to request")
	pf.StringVar(&flagStorage, "storage", "file", "OAuth storage: memory, file, or keyring")
	pf.IntVar(&flagTimeout, "timeout", 30, "Per-request timeout in seconds")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
