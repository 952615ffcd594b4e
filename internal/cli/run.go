package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaybridge/internal/app"
)

const stopTimeout = 30 * time.Second

func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		Long: `Start the dispatcher, the web widget and the mailbox poller as configured.

The config file is watched; logging and delivery session settings reload
without a restart.

Example:
  relaybridge run --config /etc/relaybridge/config.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), opts.ConfigPath)
		},
	}
}

func runRelay(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath, app.Options{})
	if err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return WrapExitError(ExitFailure, "start failed", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return WrapExitError(ExitFailure, "relay stopped with error", err)
	}
	return nil
}
