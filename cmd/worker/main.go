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

// Worker process entrypoint.
// Data flow:
// 1) Load config from the environment, then apply flag overrides.
// 2) Build app wiring.
// 3) Relay the vote outbox to the event bus until SIGINT/SIGTERM.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newWorkerCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newWorkerCmd() *cobra.Command {
	cfg, err := config.Load()
	cfg.StorageBackend = config.StoragePostgres
	cmd := &cobra.Command{
		Use:           "pollcast-worker",
		Short:         "Relay vote events from the postgres outbox to the event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := bootstrap.BuildWorker(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("bootstrap worker failed: %w", err)
			}
			defer func() {
				if err := app.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "worker shutdown close failed: %v\n", err)
				}
			}()
			return app.Run(cmd.Context())
		},
	}
	config.BindFlags(cmd.Flags(), &cfg)
	return cmd
}
