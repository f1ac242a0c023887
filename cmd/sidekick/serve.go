// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidekick-host/sidekick/internal/config"
	"github.com/sidekick-host/sidekick/internal/console"
	"github.com/sidekick-host/sidekick/internal/core"
	"github.com/sidekick-host/sidekick/internal/logging"
	"github.com/sidekick-host/sidekick/internal/observability"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the plugin host",
		Long: `Start the plugin host: load the plugin registry, launch persistent
plugins, and serve commands until a shutdown signal arrives. With
--interactive, commands are read from a console on stdin instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, cmd, interactive)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("plugins-dir", defaults.PluginsDir, "directory scanned for plugin subdirectories")
	cmd.Flags().String("log-format", defaults.LogFormat, "log format (json or text)")
	cmd.Flags().String("metrics-addr", defaults.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "read commands from an interactive console on stdin")

	return cmd
}

// runServe runs the host until a shutdown signal, a shutdown command, or a
// fatal observability server error.
func runServe(ctx context.Context, cfg config.Config, cmd *cobra.Command, interactive bool) error {
	logging.SetDefault("sidekick", version, cfg.LogFormat)

	slog.Info("starting sidekick host", "config", cfg.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The observability server owns the metrics registry, so it is built
	// first; its readiness probe late-binds to the core built below.
	var (
		c         *core.Core
		obsServer *observability.Server
		coreOpts  []core.Option
	)
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, func() bool {
			return c != nil && c.Ready()
		})
		coreOpts = append(coreOpts, core.WithMetrics(obsServer.Metrics()))
	}

	c, err := core.New(cfg, coreOpts...)
	if err != nil {
		return fmt.Errorf("building core: %w", err)
	}

	if obsServer != nil {
		obsErrCh, startErr := obsServer.Start()
		if startErr != nil {
			return fmt.Errorf("starting observability server: %w", startErr)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("starting core: %w", err)
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	consoleDone := make(chan error, 1)
	if interactive {
		go func() {
			consoleDone <- console.Run(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout())
		}()
	}

	cmd.Println("Sidekick host started")

	// Wait for a shutdown trigger.
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-c.ShutdownRequested():
		slog.Info("shutdown requested by command")
	case err := <-consoleDone:
		if err != nil {
			slog.Warn("console ended with error", "error", err)
		} else {
			slog.Info("console ended")
		}
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer shutdownCancel()

	if err := c.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping core", "error", err)
	}

	if obsServer != nil {
		obsCtx, obsCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer obsCancel()
		if err := obsServer.Stop(obsCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
