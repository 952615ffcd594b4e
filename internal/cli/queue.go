package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"relaybridge/internal/config"
	"relaybridge/internal/message"
	"relaybridge/internal/queue"
	"relaybridge/pkg/logx"
)

// openQueue connects to the queue named by the config file.
func openQueue(ctx context.Context, cfgPath string) (queue.Queue, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "config", err)
	}
	q, err := queue.Open(ctx, rt.Queue, logx.NewConsole("warn"))
	if err != nil {
		return nil, WrapExitError(ExitFailure, "open queue", err)
	}
	return q, nil
}

func NewEnqueueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <recipient> <body...>",
		Short: "Queue one message for delivery",
		Example: `  relaybridge enqueue +15551234567 "Your order has shipped"`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient := strings.TrimSpace(args[0])
			body := strings.TrimSpace(strings.Join(args[1:], " "))
			if !message.ValidRecipient(recipient) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("recipient %q must be + followed by 7-15 digits", recipient), nil)
			}
			if body == "" {
				return WrapExitError(ExitCommandError, "body cannot be empty", nil)
			}

			q, err := openQueue(cmd.Context(), opts.ConfigPath)
			if err != nil {
				return err
			}
			defer q.Close()
			if err := q.Push(cmd.Context(), message.Format(message.Item{Recipient: recipient, Body: body})); err != nil {
				return WrapExitError(ExitFailure, "enqueue", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued for %s\n", recipient)
			return nil
		},
	}
}

func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the delivery queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "size",
		Short:         "Print the number of queued messages",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			q, err := openQueue(c.Context(), opts.ConfigPath)
			if err != nil {
				return err
			}
			defer q.Close()
			n, err := q.Len(c.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "queue size", err)
			}
			fmt.Fprintln(c.OutOrStdout(), n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Drop every queued message",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			q, err := openQueue(c.Context(), opts.ConfigPath)
			if err != nil {
				return err
			}
			defer q.Close()
			n, err := q.Clear(c.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "queue clear", err)
			}
			fmt.Fprintf(c.OutOrStdout(), "cleared %d\n", n)
			return nil
		},
	})
	return cmd
}
