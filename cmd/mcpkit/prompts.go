package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	promptsJSON    bool
	promptArgPairs []string
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "List the server's prompts",
	RunE:  runPrompts,
}

var promptCmd = &cobra.Command{
	Use:   "prompt <name>",
	Short: "Render a prompt",
	Long: `Render a prompt with arguments.

Examples:
  mcpkit prompt summarize --set topic=golang --command ./my-server`,
	Args: cobra.ExactArgs(1),
	RunE: runPrompt,
}

func init() {
	promptsCmd.Flags().BoolVar(&promptsJSON, "json", false, "Output as JSON")
	promptCmd.Flags().StringSliceVar(&promptArgPairs, "set", nil, "Prompt argument as name=value (repeatable)")

	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(promptCmd)
}

func runPrompts(cmd *cobra.Command, args []string) error {
	session, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer session.Stop()

	prompts, err := session.ListPrompts(cmd.Context())
	if err != nil {
		return err
	}

	if promptsJSON {
		return printJSON(prompts)
	}
	if len(prompts) == 0 {
		fmt.Println(dimStyle.Render("no prompts"))
		return nil
	}
	for _, prompt := range prompts {
		fmt.Println(titleStyle.Render(prompt.Name))
		if prompt.Description != "" {
			fmt.Println("  " + prompt.Description)
		}
		for _, arg := range prompt.Arguments {
			marker := ""
			if arg.Required {
				marker = " (required)"
			}
			fmt.Println(dimStyle.Render("    " + arg.Name + marker))
		}
	}
	return nil
}

func runPrompt(cmd *cobra.Command, args []string) error {
	promptArgs := map[string]string{}
	for _, pair := range promptArgPairs {
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return fmt.Errorf("malformed --set %q (want name=value)", pair)
		}
		promptArgs[name] = value
	}

	session, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer session.Stop()

	result, err := session.GetPrompt(cmd.Context(), args[0], promptArgs)
	if err != nil {
		return err
	}

	if result.Description != "" {
		fmt.Println(dimStyle.Render(result.Description))
	}
	for _, msg := range result.Messages {
		fmt.Println(titleStyle.Render(msg.Role + ":"))
		if text := msg.Content.Text(); text != "" {
			fmt.Println(text)
			continue
		}
		fmt.Println(string(msg.Content))
	}
	return nil
}
