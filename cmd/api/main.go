package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pollcast/internal/app/bootstrap"
	"pollcast/internal/platform/config"

	"github.com/spf13/cobra"
)

// API process entrypoint.
// Data flow:
// 1) Load config from the environment, then apply flag overrides.
// 2) Build app wiring (ports + adapters + use cases).
// 3) Serve HTTP and the tally workers until SIGINT/SIGTERM.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newAPICmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newAPICmd() *cobra.Command {
	cfg, err := config.Load()
	cmd := &cobra.Command{
		Use:           "pollcast-api",
		Short:         "Serve live polls: vote submission, tallies and tally streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := bootstrap.BuildAPI(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("bootstrap api failed: %w", err)
			}
			defer func() {
				if err := app.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "api shutdown close failed: %v\n", err)
				}
			}()
			return app.Run(cmd.Context())
		},
	}
	config.BindFlags(cmd.Flags(), &cfg)
	return cmd
}
