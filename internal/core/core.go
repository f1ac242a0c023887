// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package core wires the registry, supervisor, and router into the host
// orchestrator and normalizes every outcome into a uniform result.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sidekick-host/sidekick/internal/config"
	"github.com/sidekick-host/sidekick/internal/gpu"
	"github.com/sidekick-host/sidekick/internal/logging"
	"github.com/sidekick-host/sidekick/internal/observability"
	"github.com/sidekick-host/sidekick/internal/plugin"
	"github.com/sidekick-host/sidekick/internal/router"
	"github.com/sidekick-host/sidekick/pkg/errutil"
)

// Result is the uniform outcome of one processed command. Callers never
// see raw errors; everything is folded into success/message.
type Result struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}

// Core is the host orchestrator.
type Core struct {
	cfg      config.Config
	sup      *plugin.Supervisor
	registry *plugin.Registry
	router   *router.Router

	started      atomic.Bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// Option configures the Core.
type Option func(*coreDeps)

type coreDeps struct {
	metrics *observability.Metrics
	gpu     gpu.Provider
}

// WithMetrics wires the metrics sink into supervisor and router.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *coreDeps) { d.metrics = m }
}

// WithGPUProvider sets the GPU telemetry source.
func WithGPUProvider(p gpu.Provider) Option {
	return func(d *coreDeps) { d.gpu = p }
}

// New builds the orchestrator from configuration.
func New(cfg config.Config, opts ...Option) (*Core, error) {
	deps := &coreDeps{gpu: &gpu.SMIProvider{}}
	for _, opt := range opts {
		opt(deps)
	}

	supOpts := []plugin.Option{
		plugin.WithHandshakeTimeout(cfg.Timeouts.Handshake),
		plugin.WithStopTimeout(cfg.Timeouts.PluginStop),
	}
	if deps.metrics != nil {
		supOpts = append(supOpts, plugin.WithObserver(deps.metrics))
	}
	sup := plugin.NewSupervisor(supOpts...)

	registry, err := plugin.NewRegistry(cfg.PluginsDir, sup,
		plugin.WithDisabledPatterns(cfg.DisabledPlugins))
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:        cfg,
		sup:        sup,
		registry:   registry,
		shutdownCh: make(chan struct{}),
	}

	routerOpts := []router.Option{
		router.WithDispatchTimeout(cfg.Timeouts.Dispatch),
		router.WithGPUProvider(deps.gpu),
		router.WithShutdownFunc(c.RequestShutdown),
	}
	if deps.metrics != nil {
		routerOpts = append(routerOpts, router.WithMetrics(deps.metrics))
	}
	c.router = router.New(registry, sup, routerOpts...)

	return c, nil
}

// Start loads the plugin registry, launches persistent plugins, and starts
// the idle reaper. Rejected manifests are logged and skipped; the host
// serves whatever loaded cleanly.
func (c *Core) Start(ctx context.Context) error {
	if err := c.registry.Load(); err != nil {
		errutil.LogWarn(slog.Default(), "some plugins were rejected at load", err)
	}

	for _, d := range c.registry.Plugins() {
		if !d.Manifest.Persistent {
			continue
		}
		if _, err := c.registry.EnsureRunning(ctx, d); err != nil {
			slog.Warn("failed to start persistent plugin",
				"plugin", d.Manifest.Name,
				"error", err)
			continue
		}
		slog.Info("persistent plugin started", "plugin", d.Manifest.Name)
	}

	if c.cfg.Timeouts.IdleEviction > 0 {
		c.reaperStop = make(chan struct{})
		c.reaperDone = make(chan struct{})
		go c.reap(c.cfg.Timeouts.IdleEviction)
	}

	c.started.Store(true)
	slog.Info("sidekick core started",
		"plugins", len(c.registry.Plugins()),
		"plugins_dir", c.cfg.PluginsDir)
	return nil
}

// reap periodically evicts idle non-persistent plugins.
func (c *Core) reap(window time.Duration) {
	defer close(c.reaperDone)

	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sup.StopIdle(context.Background(), window)
		case <-c.reaperStop:
			return
		}
	}
}

// Ready reports whether the core can accept commands.
func (c *Core) Ready() bool {
	return c.started.Load()
}

// RequestShutdown signals that the host should exit. Safe to call more
// than once; used by the shutdown built-in and signal handlers.
func (c *Core) RequestShutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// ShutdownRequested is closed when a shutdown has been requested.
func (c *Core) ShutdownRequested() <-chan struct{} {
	return c.shutdownCh
}

// ProcessCommand routes one command and buffers the full response.
func (c *Core) ProcessCommand(ctx context.Context, req router.Request) Result {
	return c.process(ctx, req, nil)
}

// ProcessCommandStream routes one command, forwarding partial chunks to
// onChunk as they arrive. The returned result still carries the complete
// message.
func (c *Core) ProcessCommandStream(ctx context.Context, req router.Request, onChunk router.ChunkFunc) Result {
	return c.process(ctx, req, onChunk)
}

func (c *Core) process(ctx context.Context, req router.Request, onChunk router.ChunkFunc) Result {
	id := NewULID().String()
	ctx = logging.WithRequestID(ctx, id)

	slog.InfoContext(ctx, "processing command", "command", req.Command)
	start := time.Now()

	reply, err := c.router.Route(ctx, req, onChunk)
	if err != nil {
		msg := userMessage(req.Command, err)
		slog.WarnContext(ctx, "command failed",
			"command", req.Command,
			"error", err,
			"elapsed", time.Since(start).Round(time.Millisecond))
		return Result{RequestID: id, Success: false, Message: msg}
	}

	slog.InfoContext(ctx, "command completed",
		"command", req.Command,
		"success", reply.Success,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return Result{
		RequestID: id,
		Success:   reply.Success,
		Message:   reply.Message,
		Data:      reply.Data,
	}
}

// userMessage folds an internal error into a caller-facing message.
func userMessage(command string, err error) string {
	switch {
	case errors.Is(err, plugin.ErrUnknownCommand):
		return fmt.Sprintf("unknown command: %s", command)
	case errors.Is(err, plugin.ErrUnknownPlugin):
		return "unknown plugin"
	case errors.Is(err, plugin.ErrBusy):
		return "plugin is busy with another command, try again"
	case errors.Is(err, plugin.ErrTimeout):
		return fmt.Sprintf("command %s timed out", command)
	case errors.Is(err, plugin.ErrSpawn):
		return "failed to start the plugin for this command"
	case errors.Is(err, context.Canceled):
		return "command canceled"
	default:
		return fmt.Sprintf("command %s failed: %v", command, err)
	}
}

// Stop tears the host down: every running plugin is stopped gracefully
// within the overall shutdown deadline. Always returns; a stuck plugin is
// reported, never waited on forever.
func (c *Core) Stop(ctx context.Context) error {
	c.started.Store(false)

	if c.reaperStop != nil {
		close(c.reaperStop)
		<-c.reaperDone
		c.reaperStop = nil
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Shutdown)
	defer cancel()

	err := c.sup.StopAll(sctx)
	if err != nil {
		errutil.LogWarn(slog.Default(), "shutdown incomplete", err)
		return err
	}
	slog.Info("sidekick core stopped")
	return nil
}

// Registry exposes the plugin registry, e.g. for the validate command.
func (c *Core) Registry() *plugin.Registry {
	return c.registry
}
