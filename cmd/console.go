package cmd

import (
	"github.com/spf13/cobra"

	"wynnbridge/pkg/client"
	"wynnbridge/pkg/config"
	"wynnbridge/pkg/ui/console"
)

const consoleLabel = "console"

var consoleOpts struct {
	url    string
	token  string
	secret string
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Open the operator sink console",
	Long: "Connects to the gateway as the platform sink, shows relayed guild chat and " +
		"sends platform messages typed as <guild> <author>: <message>.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		opts, err := resolveClientOptions(consoleOpts.url, consoleOpts.token, consoleOpts.secret, config.DefaultSinkGuildID)
		if err != nil {
			return err
		}
		opts.From = consoleLabel

		conn, err := client.Dial(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer conn.Close()

		return console.Run(conn, console.Info{URL: opts.URL, Label: consoleLabel})
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	addClientFlags(consoleCmd, &consoleOpts.url, &consoleOpts.token, &consoleOpts.secret)
}
