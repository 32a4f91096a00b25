package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newDispatchCommand(root *rootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the dispatcher and reconciler without the API",
		Long: `dispatch runs the admission and reconciliation loops without serving
HTTP. With --once it performs a single admission pass and a single
reconciliation pass and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.close(); err != nil {
					log.Error("shutdown cleanup failed", "error", err)
				}
			}()

			if once {
				admitted, err := app.dispatchOnce(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "admitted %d task(s)\n", admitted)
				return nil
			}

			if err := app.runner.Start(ctx); err != nil {
				return fmt.Errorf("failed to start task runner: %w", err)
			}
			<-ctx.Done()
			log.Info("dispatch interrupted, stopping")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

// dispatchOnce recovers leftovers from a previous process, admits and
// submits what the ceilings allow, then reconciles once.
func (app *application) dispatchOnce(ctx context.Context) (int, error) {
	if err := app.runner.Recover(ctx); err != nil {
		return 0, err
	}
	admitted, err := app.dispatcher.RunOnce(ctx)
	if err != nil {
		return admitted, fmt.Errorf("admission pass failed: %w", err)
	}
	if err := app.reconciler.ReconcileOnce(ctx); err != nil {
		return admitted, fmt.Errorf("reconciliation pass failed: %w", err)
	}
	return admitted, nil
}
