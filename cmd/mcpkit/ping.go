package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer session.Stop()

		start := time.Now()
		if err := session.Ping(cmd.Context()); err != nil {
			return err
		}
		info := session.ServerInfo()
		fmt.Println(okStyle.Render(fmt.Sprintf("%s %s answered in %s (protocol %s)",
			info.Name, info.Version, time.Since(start).Round(time.Millisecond), session.AgreedVersion())))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
