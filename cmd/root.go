package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wynnbridge",
	Short: "Relay guild chat between game agents and a chat platform",
	Long: "wynnbridge accepts websocket connections from in-game agents, elects one " +
		"reporter for every guild chat line and relays it to the platform sink, " +
		"and carries platform messages back to the guild.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
