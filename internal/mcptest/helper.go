// Package mcptest provides the shared test harness: a scriptable fake
// MCP server spawned via the test re-exec pattern, so transport and
// session tests exercise real subprocess pipes without external
// binaries.
package mcptest

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/Bigsy/mcpkit/internal/mcptest/fakeserver"
)

// FakeServerConfig aliases fakeserver.Config for callers.
type FakeServerConfig = fakeserver.Config

// Tool aliases fakeserver.Tool.
type Tool = fakeserver.Tool

// Resource aliases fakeserver.Resource.
type Resource = fakeserver.Resource

// Prompt aliases fakeserver.Prompt.
type Prompt = fakeserver.Prompt

// RPCError aliases fakeserver.RPCError.
type RPCError = fakeserver.RPCError

const (
	helperEnv    = "GO_WANT_HELPER_PROCESS"
	helperCfgEnv = "FAKE_MCP_CFG"
)

// ServerCommand returns the command, args, and env for spawning the fake
// server as a subprocess of the current test binary. Wire them into a
// stdio transport config:
//
//	cmd, args, env := mcptest.ServerCommand(t, cfg)
//	tc := mcp.TransportConfig{Command: cmd, Args: args, Env: env}
//
// The spawned process runs TestHelperProcess, which must call
// RunHelperProcess in the test package.
func ServerCommand(t *testing.T, cfg FakeServerConfig) (command string, args []string, env map[string]string) {
	t.Helper()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal fake server config: %v", err)
	}
	return os.Args[0], []string{"-test.run=TestHelperProcess", "--"}, map[string]string{
		helperEnv:    "1",
		helperCfgEnv: string(cfgJSON),
	}
}

// RunHelperProcess implements the fake server when the test binary is
// re-executed as a subprocess. Packages using ServerCommand add:
//
//	func TestHelperProcess(t *testing.T) {
//	    mcptest.RunHelperProcess(t)
//	}
func RunHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	cfgJSON := os.Getenv(helperCfgEnv)
	if cfgJSON == "" {
		os.Exit(2)
	}
	var cfg fakeserver.Config
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		os.Exit(2)
	}
	if err := fakeserver.Serve(context.Background(), os.Stdin, os.Stdout, cfg); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
