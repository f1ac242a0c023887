// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package router turns incoming commands into plugin dispatches. It
// resolves the owning plugin, makes sure its process runs, validates
// parameters, enforces the per-command deadline, and intercepts the host
// built-in commands before any plugin is consulted.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/sidekick-host/sidekick/internal/gpu"
	"github.com/sidekick-host/sidekick/internal/observability"
	"github.com/sidekick-host/sidekick/internal/plugin"
	"github.com/sidekick-host/sidekick/pkg/wire"
)

// DefaultDispatchTimeout bounds a single delegated command.
const DefaultDispatchTimeout = 30 * time.Second

// Request is one command to route.
type Request struct {
	Command string
	Params  map[string]any
	// Messages is the conversation context forwarded to the plugin.
	Messages []wire.Message
}

// Reply is the routed command's outcome.
type Reply struct {
	Success bool
	Message string
	// Data carries structured payloads from built-in commands.
	Data any
}

// ChunkFunc receives each partial message while a response streams.
type ChunkFunc func(message string)

// ShutdownFunc is invoked when the shutdown built-in fires.
type ShutdownFunc func()

// Router routes commands to built-in handlers or plugin processes.
type Router struct {
	registry *plugin.Registry
	sup      *plugin.Supervisor

	gpu             gpu.Provider
	metrics         *observability.Metrics
	shutdown        ShutdownFunc
	dispatchTimeout time.Duration
}

// Option configures the Router.
type Option func(*Router)

// WithDispatchTimeout sets the per-command deadline.
func WithDispatchTimeout(d time.Duration) Option {
	return func(r *Router) { r.dispatchTimeout = d }
}

// WithGPUProvider sets the GPU telemetry source.
func WithGPUProvider(p gpu.Provider) Option {
	return func(r *Router) { r.gpu = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithShutdownFunc sets the hook behind the shutdown built-in.
func WithShutdownFunc(fn ShutdownFunc) Option {
	return func(r *Router) { r.shutdown = fn }
}

// New creates a router over the given registry and supervisor.
func New(registry *plugin.Registry, sup *plugin.Supervisor, opts ...Option) *Router {
	r := &Router{
		registry:        registry,
		sup:             sup,
		dispatchTimeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route handles one request. Built-ins are intercepted before the registry
// is consulted, so a plugin can never shadow them. For delegated commands
// onChunk, when non-nil, receives each partial message as it arrives; the
// returned Reply always carries the full concatenated message.
func (r *Router) Route(ctx context.Context, req Request, onChunk ChunkFunc) (Reply, error) {
	if IsBuiltin(req.Command) {
		return r.routeBuiltin(ctx, req, onChunk)
	}

	d, err := r.registry.Resolve(req.Command)
	if err != nil {
		r.record(req.Command, "unknown")
		return Reply{}, err
	}
	return r.delegate(ctx, d, req.Command, req.Params, req.Messages, onChunk)
}

// delegate runs one command on its owning plugin.
func (r *Router) delegate(ctx context.Context, d *plugin.Discovered, command string, params map[string]any, messages []wire.Message, onChunk ChunkFunc) (Reply, error) {
	if err := plugin.ValidateParams(d.ParamSchema(command), params); err != nil {
		r.record(command, "invalid_params")
		return Reply{}, oops.Code("INVALID_PARAMS").
			With("command", command).
			With("plugin", d.Manifest.Name).
			Wrap(err)
	}

	h, err := r.registry.EnsureRunning(ctx, d)
	if err != nil {
		r.record(command, "start_failed")
		return Reply{}, err
	}

	call := wire.ToolCall{
		Func:       command,
		Properties: params,
		Messages:   messages,
		SystemInfo: gpu.Snapshot(ctx, r.gpu),
	}

	dctx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	defer cancel()

	stream, err := r.sup.Dispatch(dctx, h, call)
	if err != nil {
		r.record(command, "dispatch_failed")
		return Reply{}, err
	}

	return r.consume(dctx, stream, h, command, onChunk)
}

// consume drains the response stream, relaying partials and assembling the
// final reply. A blown deadline or caller cancellation stops the plugin:
// the protocol has no way to cancel a single in-flight command.
func (r *Router) consume(ctx context.Context, stream *plugin.Stream, h *plugin.Handle, command string, onChunk ChunkFunc) (Reply, error) {
	var sb strings.Builder
	for {
		chunk, err := stream.Next(ctx)
		switch {
		case err == nil:

		case errors.Is(err, context.DeadlineExceeded):
			r.record(command, "timeout")
			if r.metrics != nil {
				r.metrics.RecordTimeout(command)
			}
			r.stopOverrun(h, command)
			return Reply{}, oops.Code("COMMAND_TIMEOUT").
				With("command", command).
				With("plugin", h.Name()).
				With("timeout", r.dispatchTimeout).
				Wrap(plugin.ErrTimeout)

		case errors.Is(err, context.Canceled):
			r.record(command, "canceled")
			r.stopOverrun(h, command)
			return Reply{}, err

		default:
			r.record(command, "channel_error")
			return Reply{}, err
		}

		if r.metrics != nil {
			r.metrics.RecordChunk()
		}
		sb.WriteString(chunk.Message)

		if chunk.Final() {
			if chunk.OK() {
				r.record(command, "success")
			} else {
				r.record(command, "failure")
			}
			return Reply{Success: chunk.OK(), Message: sb.String()}, nil
		}
		if onChunk != nil {
			onChunk(chunk.Message)
		}
	}
}

// stopOverrun terminates a plugin whose response outlived its caller.
func (r *Router) stopOverrun(h *plugin.Handle, command string) {
	slog.Warn("stopping plugin after abandoned dispatch",
		"plugin", h.Name(),
		"command", command)
	if err := r.sup.Stop(context.Background(), h); err != nil && !errors.Is(err, plugin.ErrForcedTermination) {
		slog.Warn("failed to stop overrunning plugin", "plugin", h.Name(), "error", err)
	}
}

// record feeds the dispatch outcome counter.
func (r *Router) record(command, status string) {
	if r.metrics != nil {
		r.metrics.RecordDispatch(command, status)
	}
}
