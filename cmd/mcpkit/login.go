package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpkit/internal/oauth"
)

var (
	loginPort     int
	loginNoOpen   bool
	loginClientID string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize against a protected server",
	Long: `Run the OAuth authorization-code flow for a server: discover its
authorization server, register a client if needed, open the browser, and
store the token.

Examples:
  mcpkit login -u https://example.com/mcp --storage keyring`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard stored credentials for a server",
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().IntVar(&loginPort, "port", oauth.DefaultCallbackPort, "Loopback callback port")
	loginCmd.Flags().BoolVar(&loginNoOpen, "no-open", false, "Print the authorization URL instead of opening a browser")
	loginCmd.Flags().StringVar(&loginClientID, "client-id", "", "Pre-registered OAuth client id")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	if flagURL == "" {
		return fmt.Errorf("login requires --url")
	}
	storage, err := oauthStorage()
	if err != nil {
		return err
	}

	provider := oauth.NewProvider(oauth.Config{
		ServerURL:  flagURL,
		Scope:      flagScope,
		ClientID:   loginClientID,
		Storage:    storage,
		ClientName: "mcpkit",
	})

	if !loginNoOpen {
		var proceed bool
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Open your browser to authorize?").
				Description(flagURL).
				Affirmative("Open").
				Negative("Cancel").
				Value(&proceed),
		))
		if err := form.RunWithContext(cmd.Context()); err != nil || !proceed {
			return fmt.Errorf("login cancelled")
		}
	}

	flow := oauth.NewBrowserFlow(provider)
	flow.Port = loginPort
	flow.OpenBrowser = !loginNoOpen

	token, err := flow.Authorize(cmd.Context())
	if err != nil {
		return err
	}

	msg := "Authorized."
	if !token.ExpiresAt.IsZero() {
		msg = fmt.Sprintf("Authorized; token expires %s.", token.ExpiresAt.Format("2006-01-02 15:04"))
	}
	fmt.Println(okStyle.Render(msg))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if flagURL == "" {
		return fmt.Errorf("logout requires --url")
	}
	storage, err := oauthStorage()
	if err != nil {
		return err
	}
	provider := oauth.NewProvider(oauth.Config{ServerURL: flagURL, Storage: storage})
	if err := provider.Logout(); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("Credentials removed."))
	return nil
}
