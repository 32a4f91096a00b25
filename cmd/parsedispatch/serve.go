package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var port int
	var apiOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API and run the dispatch loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
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

			if !apiOnly {
				if err := app.runner.Start(ctx); err != nil {
					return fmt.Errorf("failed to start task runner: %w", err)
				}
			}
			return app.serve(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (overrides config)")
	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "serve the API without running the dispatch loops")
	return cmd
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down
// within the configured timeout.
func (app *application) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(app.config.Server.Port)),
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logger.Info("starting server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		app.logger.Error("server stopped with error", "error", err)
		return err
	}
	app.logger.Info("server stopped")
	return nil
}
