package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resourcesJSON bool

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List the server's resources",
	RunE:  runResources,
}

var readCmd = &cobra.Command{
	Use:   "read <uri>",
	Short: "Read a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

func init() {
	resourcesCmd.Flags().BoolVar(&resourcesJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(resourcesCmd)
	rootCmd.AddCommand(readCmd)
}

func runResources(cmd *cobra.Command, args []string) error {
	session, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer session.Stop()

	resources, err := session.ListResources(cmd.Context())
	if err != nil {
		return err
	}

	if resourcesJSON {
		return printJSON(resources)
	}
	if len(resources) == 0 {
		fmt.Println(dimStyle.Render("no resources"))
		return nil
	}
	for _, resource := range resources {
		fmt.Println(titleStyle.Render(resource.URI))
		if resource.Name != "" {
			fmt.Println("  " + resource.Name)
		}
	}
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	session, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer session.Stop()

	contents, err := session.ReadResource(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, c := range contents {
		if c.Text != "" {
			fmt.Println(c.Text)
			continue
		}
		fmt.Println(dimStyle.Render(fmt.Sprintf("[%s binary, base64]", c.MimeType)))
		fmt.Println(c.Blob)
	}
	return nil
}
