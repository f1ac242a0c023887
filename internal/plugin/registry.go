// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sethvargo/go-retry"
)

// Discovered is one successfully loaded plugin: its manifest, its on-disk
// directory, and the compiled parameter schemas for its functions.
type Discovered struct {
	Manifest *Manifest
	Dir      string

	// paramSchemas maps function name to its compiled parameter schema;
	// functions without a declared schema are absent.
	paramSchemas map[string]*jsonschema.Schema
}

// ParamSchema returns the compiled parameter schema for a function, or nil
// when the function declares none.
func (d *Discovered) ParamSchema(fn string) *jsonschema.Schema {
	return d.paramSchemas[fn]
}

// Registry discovers plugin manifests under a root directory and maintains
// the command routing table. It starts plugins lazily through the
// supervisor on first dispatch.
type Registry struct {
	root     string
	sup      *Supervisor
	disabled []glob.Glob

	spawnRetries uint64
	spawnBackoff time.Duration

	mu       sync.RWMutex
	plugins  map[string]*Discovered // plugin name -> plugin
	commands map[string]*Discovered // command name -> owning plugin
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry) error

// WithDisabledPatterns excludes plugins whose name matches any of the
// given glob patterns.
func WithDisabledPatterns(patterns []string) RegistryOption {
	return func(r *Registry) error {
		for _, p := range patterns {
			g, err := glob.Compile(p)
			if err != nil {
				return fmt.Errorf("invalid disabled-plugin pattern %q: %w", p, err)
			}
			r.disabled = append(r.disabled, g)
		}
		return nil
	}
}

// WithSpawnRetry sets how many times a failed lazy start is retried and
// the base backoff between attempts.
func WithSpawnRetry(retries uint64, backoff time.Duration) RegistryOption {
	return func(r *Registry) error {
		r.spawnRetries = retries
		r.spawnBackoff = backoff
		return nil
	}
}

// NewRegistry creates a registry rooted at dir, supervised by sup.
func NewRegistry(dir string, sup *Supervisor, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		root:         dir,
		sup:          sup,
		spawnRetries: 2,
		spawnBackoff: 250 * time.Millisecond,
		plugins:      make(map[string]*Discovered),
		commands:     make(map[string]*Discovered),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load scans the plugin root, parses every manifest, and rebuilds the
// routing table. Invalid manifests and conflicting plugins are excluded
// and reported in the returned (joined) error; valid, conflict-free
// plugins register regardless. The table swap is atomic: readers see
// either the old table or the complete new one.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return oops.Code("PLUGIN_DIR_UNREADABLE").With("dir", r.root).Wrap(err)
	}

	var errs []error
	candidates := make([]*Discovered, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())

		d, err := r.loadOne(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Directories without a manifest are not plugins.
				continue
			}
			errs = append(errs, fmt.Errorf("plugin dir %s: %w", entry.Name(), err))
			continue
		}
		if r.isDisabled(d.Manifest.Name) {
			slog.Info("plugin disabled by configuration", "plugin", d.Manifest.Name)
			continue
		}
		candidates = append(candidates, d)
	}

	kept, conflictErrs := excludeConflicts(candidates)
	errs = append(errs, conflictErrs...)

	plugins := make(map[string]*Discovered, len(kept))
	commands := make(map[string]*Discovered)
	for _, d := range kept {
		plugins[d.Manifest.Name] = d
		for _, cmd := range d.Manifest.CommandNames() {
			commands[cmd] = d
		}
	}

	r.mu.Lock()
	r.plugins = plugins
	r.commands = commands
	r.mu.Unlock()

	slog.Info("plugin registry loaded",
		"dir", r.root,
		"plugins", len(plugins),
		"commands", len(commands),
		"rejected", len(errs))

	return errors.Join(errs...)
}

// loadOne parses and validates the manifest in one plugin directory and
// compiles its parameter schemas.
func (r *Registry) loadOne(dir string) (*Discovered, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, err
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	schemas := make(map[string]*jsonschema.Schema)
	for _, fn := range m.Functions {
		if len(fn.Properties) == 0 {
			continue
		}
		sch, err := CompileParamsSchema(fn.Properties)
		if err != nil {
			return nil, fmt.Errorf("function %q: %w", fn.Name, err)
		}
		schemas[fn.Name] = sch
	}

	return &Discovered{Manifest: m, Dir: dir, paramSchemas: schemas}, nil
}

// isDisabled reports whether a plugin name matches a disabled pattern.
func (r *Registry) isDisabled(name string) bool {
	for _, g := range r.disabled {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// excludeConflicts drops every plugin involved in a duplicate plugin-name
// or duplicate command-name claim. Conflicts exclude all parties rather
// than picking a winner by scan order; the remaining disjoint plugins
// still register.
func excludeConflicts(candidates []*Discovered) ([]*Discovered, []error) {
	nameOwners := make(map[string][]*Discovered)
	cmdOwners := make(map[string][]*Discovered)
	for _, d := range candidates {
		nameOwners[d.Manifest.Name] = append(nameOwners[d.Manifest.Name], d)
		for _, cmd := range d.Manifest.CommandNames() {
			cmdOwners[cmd] = append(cmdOwners[cmd], d)
		}
	}

	excluded := make(map[*Discovered]struct{})
	var errs []error

	for name, owners := range nameOwners {
		if len(owners) < 2 {
			continue
		}
		dirs := ownerDirs(owners)
		errs = append(errs, oops.Code("PLUGIN_CONFLICT").
			With("plugin", name).
			With("dirs", dirs).
			Wrapf(ErrManifestConflict, "plugin name %q claimed by %d directories", name, len(owners)))
		for _, d := range owners {
			excluded[d] = struct{}{}
		}
	}
	for cmd, owners := range cmdOwners {
		if len(owners) < 2 {
			continue
		}
		names := ownerNames(owners)
		errs = append(errs, oops.Code("PLUGIN_CONFLICT").
			With("command", cmd).
			With("plugins", names).
			Wrapf(ErrManifestConflict, "command %q claimed by plugins %v", cmd, names))
		for _, d := range owners {
			excluded[d] = struct{}{}
		}
	}

	kept := make([]*Discovered, 0, len(candidates))
	for _, d := range candidates {
		if _, out := excluded[d]; !out {
			kept = append(kept, d)
		}
	}
	return kept, errs
}

func ownerDirs(owners []*Discovered) []string {
	out := make([]string, 0, len(owners))
	for _, d := range owners {
		out = append(out, d.Dir)
	}
	sort.Strings(out)
	return out
}

func ownerNames(owners []*Discovered) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(owners))
	for _, d := range owners {
		if _, dup := seen[d.Manifest.Name]; dup {
			continue
		}
		seen[d.Manifest.Name] = struct{}{}
		out = append(out, d.Manifest.Name)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a command name to the plugin that claims it.
func (r *Registry) Resolve(command string) (*Discovered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.commands[command]
	if !ok {
		return nil, oops.Code("UNKNOWN_COMMAND").
			With("command", command).
			Wrap(ErrUnknownCommand)
	}
	return d, nil
}

// Plugin returns a registered plugin by name.
func (r *Registry) Plugin(name string) (*Discovered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.plugins[name]
	if !ok {
		return nil, oops.Code("UNKNOWN_PLUGIN").
			With("plugin", name).
			Wrap(ErrUnknownPlugin)
	}
	return d, nil
}

// Plugins returns all registered plugins sorted by name.
func (r *Registry) Plugins() []*Discovered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Discovered, 0, len(r.plugins))
	for _, d := range r.plugins {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.Name < out[j].Manifest.Name
	})
	return out
}

// EnsureRunning returns a live handle for the plugin, spawning it if
// needed. Transient start failures are retried with backoff; a missing or
// non-executable binary fails immediately.
func (r *Registry) EnsureRunning(ctx context.Context, d *Discovered) (*Handle, error) {
	if h, ok := r.sup.Handle(d.Manifest.Name); ok && r.sup.IsAlive(h) {
		return h, nil
	}

	var h *Handle
	backoff := retry.WithMaxRetries(r.spawnRetries, retry.NewExponential(r.spawnBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var serr error
		h, serr = r.sup.Spawn(ctx, d.Manifest, d.Dir)
		if serr == nil {
			return nil
		}
		// A broken install will not fix itself between attempts.
		if errors.Is(serr, ErrSpawn) {
			return serr
		}
		slog.Warn("plugin start failed, retrying",
			"plugin", d.Manifest.Name,
			"error", serr)
		return retry.RetryableError(serr)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}
