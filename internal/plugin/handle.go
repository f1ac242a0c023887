// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package plugin

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sidekick-host/sidekick/pkg/wire"
)

// State is the lifecycle state of a plugin handle.
type State int32

// Handle lifecycle states. CRASHED is terminal and reachable from any
// non-terminal state; a crashed plugin is never silently resurrected.
const (
	StateUnstarted State = iota
	StateStarting
	StateReady
	StateBusy
	StateStopping
	StateStopped
	StateCrashed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Alive reports whether the state belongs to a live process.
func (s State) Alive() bool {
	switch s {
	case StateStarting, StateReady, StateBusy, StateStopping:
		return true
	default:
		return false
	}
}

// Handle is the supervisor's runtime record for one plugin process. It
// holds the manifest back-reference (read-only, not ownership), the duplex
// channel endpoints, and the state machine. Created on successful spawn;
// it stays observable after termination so callers can inspect the final
// state.
type Handle struct {
	id       string
	manifest *Manifest
	dir      string

	cmd   *exec.Cmd
	stdin io.Closer
	enc   *wire.Encoder
	dec   *wire.Decoder

	// exited is closed by the process watcher once the child is reaped.
	exited chan struct{}

	mu         sync.Mutex
	state      State
	lastActive time.Time
}

// newHandle builds a handle for a freshly started process.
func newHandle(manifest *Manifest, dir string, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader) *Handle {
	return &Handle{
		id:         ulid.Make().String(),
		manifest:   manifest,
		dir:        dir,
		cmd:        cmd,
		stdin:      stdin,
		enc:        wire.NewEncoder(stdin),
		dec:        wire.NewDecoder(stdout),
		exited:     make(chan struct{}),
		state:      StateStarting,
		lastActive: time.Now(),
	}
}

// ID returns the unique handle identity.
func (h *Handle) ID() string { return h.id }

// Manifest returns the read-only manifest back-reference.
func (h *Handle) Manifest() *Manifest { return h.manifest }

// Name returns the plugin name.
func (h *Handle) Name() string { return h.manifest.Name }

// PID returns the process identity, or 0 before the process started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastActive returns the last-activity timestamp.
func (h *Handle) LastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActive
}

// touch records activity on the handle.
func (h *Handle) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

// setState unconditionally moves the handle to the given state.
func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// compareAndSwap transitions from one state to another atomically.
// Returns false, with the observed state, if the handle was elsewhere.
func (h *Handle) compareAndSwap(from, to State) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return h.state, false
	}
	h.state = to
	return to, true
}

// markCrashed moves the handle to CRASHED unless it already reached a
// terminal state. Returns true if the transition happened.
func (h *Handle) markCrashed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStopped || h.state == StateCrashed {
		return false
	}
	h.state = StateCrashed
	return true
}
