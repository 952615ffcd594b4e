// Package cli is the relaybridge command line.
package cli

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.yaml"

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	run := NewRunCommand(opts)
	cmd := &cobra.Command{
		Use:   "relaybridge",
		Short: "Relay web and email messages to WhatsApp",
		Long: `relaybridge queues messages from a website widget and an email inbox and
delivers them through a single long-lived WhatsApp Web session.

Without a subcommand it runs the relay.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run.RunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "path to config file (yaml or json)")

	cmd.AddCommand(run)
	cmd.AddCommand(NewPairCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	return cmd
}
