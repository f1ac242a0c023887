// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package plugin

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/sidekick-host/sidekick/pkg/wire"
)

// Default timeouts for supervisor operations.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultStopTimeout      = 5 * time.Second
)

// Observer receives lifecycle notifications, e.g. for metrics.
type Observer interface {
	PluginStarted(name string)
	PluginStopped(name string)
	PluginCrashed(name string)
}

// Supervisor owns the lifecycle of one subprocess per plugin: spawn,
// handshake, dispatch, health, and termination. It is the sole owner of
// all handles; the registry only holds lookup back-references, so a stop
// or restart here is immediately visible through the registry.
type Supervisor struct {
	handshakeTimeout time.Duration
	stopTimeout      time.Duration
	observer         Observer

	mu      sync.RWMutex
	handles map[string]*Handle

	// spawnMu guards spawns; per-plugin locks serialize the whole
	// check-spawn-handshake-register sequence so concurrent callers for
	// the same plugin share one process instead of racing to launch.
	spawnMu sync.Mutex
	spawns  map[string]*sync.Mutex
}

// Option configures the Supervisor.
type Option func(*Supervisor)

// WithHandshakeTimeout sets the initialize handshake deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.handshakeTimeout = d }
}

// WithStopTimeout sets how long a plugin gets to exit gracefully before
// termination is forced.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// NewSupervisor creates a supervisor with default timeouts.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		handshakeTimeout: DefaultHandshakeTimeout,
		stopTimeout:      DefaultStopTimeout,
		handles:          make(map[string]*Handle),
		spawns:           make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn launches the plugin executable and performs the initialize
// handshake. On success the returned handle is READY. Spawn is idempotent:
// if the plugin already has a live handle, that handle is returned.
func (s *Supervisor) Spawn(ctx context.Context, manifest *Manifest, dir string) (*Handle, error) {
	lock := s.spawnLock(manifest.Name)
	lock.Lock()
	defer lock.Unlock()

	// Re-checked under the spawn lock: a concurrent caller may have won the
	// race and registered a live handle while we waited.
	if existing, ok := s.Handle(manifest.Name); ok && existing.State().Alive() {
		return existing, nil
	}

	execPath := filepath.Join(dir, manifest.Executable)
	info, err := os.Stat(execPath)
	if err != nil {
		return nil, oops.Code("PLUGIN_SPAWN_FAILED").
			With("plugin", manifest.Name).
			With("executable", execPath).
			Wrapf(ErrSpawn, "executable not found: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		return nil, oops.Code("PLUGIN_SPAWN_FAILED").
			With("plugin", manifest.Name).
			With("executable", execPath).
			Wrapf(ErrSpawn, "file is not executable")
	}

	cmd := exec.Command(execPath) // #nosec G204 -- execPath resolved from a validated manifest
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, oops.Code("PLUGIN_SPAWN_FAILED").With("plugin", manifest.Name).Wrap(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, oops.Code("PLUGIN_SPAWN_FAILED").With("plugin", manifest.Name).Wrap(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, oops.Code("PLUGIN_SPAWN_FAILED").With("plugin", manifest.Name).Wrap(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, oops.Code("PLUGIN_SPAWN_FAILED").
			With("plugin", manifest.Name).
			With("executable", execPath).
			Wrapf(ErrSpawn, "start: %v", err)
	}

	h := newHandle(manifest, dir, cmd, stdin, stdout)

	go s.watch(h)
	go logStderr(manifest.Name, stderr)

	slog.Info("plugin process started",
		"plugin", manifest.Name,
		"pid", h.PID())
	if s.observer != nil {
		s.observer.PluginStarted(manifest.Name)
	}

	if err := s.handshake(ctx, h); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handles[manifest.Name] = h
	s.mu.Unlock()
	return h, nil
}

// spawnLock returns the mutex serializing spawns for one plugin name.
func (s *Supervisor) spawnLock(name string) *sync.Mutex {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	lock, ok := s.spawns[name]
	if !ok {
		lock = &sync.Mutex{}
		s.spawns[name] = lock
	}
	return lock
}

// handshake sends the initialize command and waits for a success chunk.
// Any failure or timeout kills the process and leaves the handle CRASHED;
// no orphaned process survives a failed handshake.
func (s *Supervisor) handshake(ctx context.Context, h *Handle) error {
	if err := h.enc.Encode(wire.NewCommand(wire.CommandInitialize, nil)); err != nil {
		s.crash(h)
		return oops.Code("PLUGIN_HANDSHAKE_FAILED").With("plugin", h.Name()).Wrap(err)
	}

	chunk, err := s.readChunk(ctx, h, s.handshakeTimeout)
	switch {
	case err != nil:
		s.crash(h)
		return oops.Code("PLUGIN_HANDSHAKE_FAILED").With("plugin", h.Name()).Wrap(err)
	case !chunk.OK():
		s.crash(h)
		return oops.Code("PLUGIN_HANDSHAKE_FAILED").
			With("plugin", h.Name()).
			Errorf("plugin rejected initialize: %s", chunk.Message)
	}

	h.compareAndSwap(StateStarting, StateReady)
	h.touch()
	return nil
}

// readChunk decodes one chunk with a deadline. The decode goroutine
// unblocks when the deadline path kills the process and its pipe closes.
func (s *Supervisor) readChunk(ctx context.Context, h *Handle, timeout time.Duration) (wire.Chunk, error) {
	ch := make(chan streamItem, 1)
	go func() {
		var c wire.Chunk
		if err := h.dec.Decode(&c); err != nil {
			ch <- streamItem{err: err}
			return
		}
		ch <- streamItem{chunk: c}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-ch:
		return item.chunk, item.err
	case <-timer.C:
		return wire.Chunk{}, oops.With("timeout", timeout).Wrap(ErrTimeout)
	case <-ctx.Done():
		return wire.Chunk{}, ctx.Err()
	}
}

// Dispatch sends one command to a READY handle and returns the one-shot
// chunk stream for its response. Exactly one command may be in flight per
// handle: a dispatch against a BUSY handle fails with ErrBusy rather than
// queueing, so callers can surface backpressure.
func (s *Supervisor) Dispatch(_ context.Context, h *Handle, call wire.ToolCall) (*Stream, error) {
	state, ok := h.compareAndSwap(StateReady, StateBusy)
	if !ok {
		if state == StateBusy {
			return nil, oops.Code("PLUGIN_BUSY").With("plugin", h.Name()).Wrap(ErrBusy)
		}
		return nil, oops.Code("PLUGIN_NOT_RUNNING").
			With("plugin", h.Name()).
			With("state", state.String()).
			Wrap(ErrNotRunning)
	}

	// Bytes left over from the previous response mean the plugin emitted a
	// chunk after its terminal chunk. Protocol violation; the channel
	// cannot be trusted anymore.
	if h.dec.Buffered() > 0 {
		s.crash(h)
		return nil, oops.Code("PLUGIN_PROTOCOL_VIOLATION").
			With("plugin", h.Name()).
			Wrapf(wire.ErrFraming, "chunk received after terminal chunk")
	}

	if err := h.enc.Encode(wire.Command{ToolCalls: []wire.ToolCall{call}}); err != nil {
		s.crash(h)
		return nil, oops.Code("PLUGIN_WRITE_FAILED").With("plugin", h.Name()).Wrap(err)
	}
	h.touch()

	items := make(chan streamItem)
	go s.relay(h, items)
	return &Stream{items: items}, nil
}

// relay reads response chunks off the channel until the terminal chunk or
// an error. Sends race against process exit so an abandoned stream never
// strands this goroutine once the process is gone.
func (s *Supervisor) relay(h *Handle, items chan<- streamItem) {
	defer close(items)
	for {
		var c wire.Chunk
		if err := h.dec.Decode(&c); err != nil {
			s.crash(h)
			select {
			case items <- streamItem{err: oops.Code("PLUGIN_CHANNEL_FAILED").With("plugin", h.Name()).Wrap(err)}:
			case <-h.exited:
			}
			return
		}

		final := c.Final()
		if final {
			h.compareAndSwap(StateBusy, StateReady)
			h.touch()
		}
		select {
		case items <- streamItem{chunk: c}:
		case <-h.exited:
			return
		}
		if final {
			return
		}
	}
}

// Stop gracefully terminates a plugin: it sends the shutdown command,
// waits a bounded time for the process to exit, then escalates to forced
// termination. Returns an ErrForcedTermination-wrapped warning when the
// escalation was needed.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	if !h.beginStop() {
		return nil
	}

	// Best effort; a wedged plugin may not be reading its channel.
	_ = h.enc.Encode(wire.NewCommand(wire.CommandShutdown, nil)) //nolint:errcheck

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case <-h.exited:
		slog.Info("plugin stopped", "plugin", h.Name())
		s.notifyStopped(h)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.kill(h)
	<-h.exited

	slog.Warn("plugin did not exit gracefully, killed",
		"plugin", h.Name(),
		"pid", h.PID())
	s.notifyStopped(h)
	return oops.Code("PLUGIN_FORCED_TERMINATION").
		With("plugin", h.Name()).
		Wrap(ErrForcedTermination)
}

// IsAlive reports whether the handle's process is still live.
func (s *Supervisor) IsAlive(h *Handle) bool {
	return h.State().Alive()
}

// Handle returns the current handle for a plugin name, if any.
func (s *Supervisor) Handle(name string) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[name]
	return h, ok
}

// Running returns all handles whose process is currently live.
func (s *Supervisor) Running() []*Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		if h.State().Alive() {
			out = append(out, h)
		}
	}
	return out
}

// StopAll stops every running handle, continuing past individual forced
// terminations. It returns an ErrShutdownIncomplete-wrapped error if the
// context deadline expired before every handle reached STOPPED or CRASHED.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var incomplete []string

	for _, h := range s.Running() {
		if ctx.Err() != nil {
			incomplete = append(incomplete, h.Name())
			continue
		}
		if err := s.Stop(ctx, h); err != nil {
			// Forced termination still reached a terminal state; anything
			// else means the handle may be stuck.
			if !isForced(err) {
				incomplete = append(incomplete, h.Name())
				continue
			}
			slog.Warn("plugin stop escalated to kill", "plugin", h.Name())
		}
	}

	if len(incomplete) > 0 {
		return oops.Code("SHUTDOWN_INCOMPLETE").
			With("plugins", incomplete).
			Wrap(ErrShutdownIncomplete)
	}
	return nil
}

// StopIdle stops READY handles of non-persistent plugins whose last
// activity is older than the given window.
func (s *Supervisor) StopIdle(ctx context.Context, olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	for _, h := range s.Running() {
		if h.Manifest().Persistent || h.State() != StateReady {
			continue
		}
		if h.LastActive().After(cutoff) {
			continue
		}
		slog.Info("evicting idle plugin",
			"plugin", h.Name(),
			"idle_for", time.Since(h.LastActive()).Round(time.Second))
		if err := s.Stop(ctx, h); err != nil && !isForced(err) {
			slog.Warn("failed to evict idle plugin", "plugin", h.Name(), "error", err)
		}
	}
}

// watch reaps the child process and settles the handle's terminal state.
func (s *Supervisor) watch(h *Handle) {
	err := h.cmd.Wait()

	h.mu.Lock()
	prev := h.state
	switch prev {
	case StateStopping, StateStopped:
		h.state = StateStopped
	case StateCrashed:
	default:
		h.state = StateCrashed
	}
	h.mu.Unlock()

	close(h.exited)

	if prev != StateStopping && prev != StateStopped && prev != StateCrashed {
		slog.Warn("plugin process exited unexpectedly",
			"plugin", h.Name(),
			"pid", h.PID(),
			"error", err)
		if s.observer != nil {
			s.observer.PluginCrashed(h.Name())
		}
	}
}

// crash marks the handle CRASHED and tears the process down.
func (s *Supervisor) crash(h *Handle) {
	if h.markCrashed() {
		if s.observer != nil {
			s.observer.PluginCrashed(h.Name())
		}
	}
	s.kill(h)
}

// kill closes the plugin's stdin and sends SIGKILL.
func (s *Supervisor) kill(h *Handle) {
	_ = h.stdin.Close() //nolint:errcheck
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill() //nolint:errcheck
	}
}

// notifyStopped reports a stop to the observer.
func (s *Supervisor) notifyStopped(h *Handle) {
	if s.observer != nil {
		s.observer.PluginStopped(h.Name())
	}
}

// beginStop moves the handle into STOPPING unless it already terminated.
func (h *Handle) beginStop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStopped || h.state == StateCrashed {
		return false
	}
	h.state = StateStopping
	return true
}

// isForced reports whether err is only a forced-termination warning.
func isForced(err error) bool {
	return errors.Is(err, ErrForcedTermination)
}

// logStderr relays plugin stderr lines into the host log.
func logStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("plugin stderr", "plugin", name, "line", scanner.Text())
	}
}
