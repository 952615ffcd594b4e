package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"relaybridge/internal/app"
)

func NewPairCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Link the delivery profile by scanning the QR code",
		Long: `Open a visible browser on the configured profile and wait until the device
is linked. Later unattended runs reuse the saved profile.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := app.Pair(ctx, opts.ConfigPath, nil); err != nil {
				return WrapExitError(ExitFailure, "pair", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "paired")
			return nil
		},
	}
}
