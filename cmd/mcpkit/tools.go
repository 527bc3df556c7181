package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	toolsJSON    bool
	callArgsJSON string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the server's tools",
	Long: `List the tools the server exposes.

Examples:
  mcpkit tools --command ./my-server
  mcpkit tools -t streamable -u https://example.com/mcp --json`,
	RunE: runTools,
}

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Call a tool",
	Long: `Call a tool with JSON arguments.

Examples:
  mcpkit call search --args '{"query":"golang"}' --command ./my-server`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Output as JSON")
	callCmd.Flags().StringVar(&callArgsJSON, "args", "{}", "Tool arguments as a JSON object")

	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(callCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	session, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer session.Stop()

	tools, err := session.ListTools(cmd.Context())
	if err != nil {
		return err
	}

	if toolsJSON {
		return printJSON(tools)
	}
	if len(tools) == 0 {
		fmt.Println(dimStyle.Render("no tools"))
		return nil
	}
	for _, tool := range tools {
		fmt.Println(titleStyle.Render(tool.Name))
		if tool.Description != "" {
			fmt.Println("  " + tool.Description)
		}
	}
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	var toolArgs any
	if err := json.Unmarshal([]byte(callArgsJSON), &toolArgs); err != nil {
		return fmt.Errorf("parse --args: %w", err)
	}

	session, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer session.Stop()

	result, err := session.CallTool(cmd.Context(), args[0], toolArgs)
	if err != nil {
		return err
	}

	if result.IsError {
		fmt.Println(errorStyle.Render("tool reported an error"))
	}
	for _, block := range result.Content {
		if text := block.Text(); text != "" {
			fmt.Println(text)
			continue
		}
		fmt.Println(string(block))
	}
	if len(result.StructuredContent) > 0 {
		fmt.Println(string(result.StructuredContent))
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
