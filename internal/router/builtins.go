// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/oops"

	"github.com/sidekick-host/sidekick/internal/gpu"
	"github.com/sidekick-host/sidekick/internal/plugin"
)

// Built-in command names. These are handled by the host itself and take
// priority over any plugin claiming the same name.
const (
	CmdListPlugins  = "list_plugins"
	CmdStartPlugin  = "start_plugin"
	CmdStopPlugin   = "stop_plugin"
	CmdInvokePlugin = "invoke_plugin"
	CmdGetGPUInfo   = "get_gpu_info"
	CmdShutdown     = "shutdown"
)

// IsBuiltin reports whether the command is handled by the host itself.
func IsBuiltin(command string) bool {
	switch command {
	case CmdListPlugins, CmdStartPlugin, CmdStopPlugin,
		CmdInvokePlugin, CmdGetGPUInfo, CmdShutdown:
		return true
	}
	return false
}

// PluginStatus is one entry in the list_plugins response.
type PluginStatus struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	State       string   `json:"state"`
	Persistent  bool     `json:"persistent,omitempty"`
	Commands    []string `json:"commands"`
}

// routeBuiltin dispatches one built-in command.
func (r *Router) routeBuiltin(ctx context.Context, req Request, onChunk ChunkFunc) (Reply, error) {
	switch req.Command {
	case CmdListPlugins:
		return r.listPlugins(), nil
	case CmdStartPlugin:
		return r.startPlugin(ctx, req.Params)
	case CmdStopPlugin:
		return r.stopPlugin(ctx, req.Params)
	case CmdInvokePlugin:
		return r.invokePlugin(ctx, req, onChunk)
	case CmdGetGPUInfo:
		return r.gpuInfo(ctx)
	case CmdShutdown:
		if r.shutdown != nil {
			r.shutdown()
		}
		return Reply{Success: true, Message: "shutting down"}, nil
	}
	// Unreachable; Route gates on IsBuiltin.
	return Reply{}, oops.Errorf("not a built-in: %s", req.Command)
}

// listPlugins reports every registered plugin and its runtime state.
func (r *Router) listPlugins() Reply {
	plugins := r.registry.Plugins()
	statuses := make([]PluginStatus, 0, len(plugins))
	for _, d := range plugins {
		state := plugin.StateUnstarted
		if h, ok := r.sup.Handle(d.Manifest.Name); ok {
			state = h.State()
		}
		statuses = append(statuses, PluginStatus{
			Name:        d.Manifest.Name,
			Version:     d.Manifest.Version,
			Description: d.Manifest.Description,
			State:       state.String(),
			Persistent:  d.Manifest.Persistent,
			Commands:    d.Manifest.CommandNames(),
		})
	}
	return Reply{
		Success: true,
		Message: fmt.Sprintf("%d plugins registered", len(statuses)),
		Data:    statuses,
	}
}

// startPlugin launches a plugin by name, eagerly.
func (r *Router) startPlugin(ctx context.Context, params map[string]any) (Reply, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return Reply{}, err
	}
	d, err := r.registry.Plugin(name)
	if err != nil {
		return Reply{}, err
	}
	if _, err := r.registry.EnsureRunning(ctx, d); err != nil {
		return Reply{}, err
	}
	return Reply{Success: true, Message: fmt.Sprintf("plugin %s is running", name)}, nil
}

// stopPlugin gracefully stops a plugin by name. Stopping a plugin that is
// not running succeeds; the operation is idempotent.
func (r *Router) stopPlugin(ctx context.Context, params map[string]any) (Reply, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return Reply{}, err
	}
	if _, err := r.registry.Plugin(name); err != nil {
		return Reply{}, err
	}

	h, ok := r.sup.Handle(name)
	if !ok || !r.sup.IsAlive(h) {
		return Reply{Success: true, Message: fmt.Sprintf("plugin %s is not running", name)}, nil
	}

	if err := r.sup.Stop(ctx, h); err != nil {
		if errors.Is(err, plugin.ErrForcedTermination) {
			return Reply{Success: true, Message: fmt.Sprintf("plugin %s terminated forcefully", name)}, nil
		}
		return Reply{}, err
	}
	return Reply{Success: true, Message: fmt.Sprintf("plugin %s stopped", name)}, nil
}

// invokePlugin dispatches a function on an explicitly named plugin,
// bypassing command-name resolution.
func (r *Router) invokePlugin(ctx context.Context, req Request, onChunk ChunkFunc) (Reply, error) {
	name, err := stringParam(req.Params, "name")
	if err != nil {
		return Reply{}, err
	}
	function, err := stringParam(req.Params, "function")
	if err != nil {
		return Reply{}, err
	}

	d, err := r.registry.Plugin(name)
	if err != nil {
		return Reply{}, err
	}
	if _, ok := d.Manifest.FunctionByName(function); !ok {
		return Reply{}, oops.Code("UNKNOWN_COMMAND").
			With("plugin", name).
			With("function", function).
			Wrapf(plugin.ErrUnknownCommand, "plugin %s has no function %s", name, function)
	}

	// Nested params are optional; an absent key means no arguments.
	fnParams, _ := req.Params["params"].(map[string]any)
	return r.delegate(ctx, d, function, fnParams, req.Messages, onChunk)
}

// gpuUnavailableMessage is the reply for hosts with no readable GPU.
const gpuUnavailableMessage = "GPU info unavailable"

// gpuInfo reads current GPU telemetry. A host without a GPU reports a
// clean failure rather than an error.
func (r *Router) gpuInfo(ctx context.Context) (Reply, error) {
	if r.gpu == nil {
		return Reply{Success: false, Message: gpuUnavailableMessage}, nil
	}
	gpus, err := r.gpu.Info(ctx)
	if err != nil {
		if errors.Is(err, gpu.ErrUnavailable) {
			return Reply{Success: false, Message: gpuUnavailableMessage}, nil
		}
		return Reply{}, oops.Code("GPU_QUERY_FAILED").Wrap(err)
	}
	return Reply{
		Success: true,
		Message: fmt.Sprintf("%d GPU(s) detected", len(gpus)),
		Data:    gpus,
	}, nil
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", oops.Code("INVALID_PARAMS").
			With("param", key).
			Errorf("required parameter %q is missing or not a string", key)
	}
	return v, nil
}
