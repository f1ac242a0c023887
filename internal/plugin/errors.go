// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package plugin

import "errors"

// Sentinel errors for programmatic error checking. Services wrap these with
// oops for context; callers match with errors.Is.
var (
	// ErrSpawn is returned when a plugin executable is missing or cannot be
	// launched. Fatal for that plugin; never retried automatically.
	ErrSpawn = errors.New("plugin spawn failed")

	// ErrBusy is returned when a dispatch is attempted while another command
	// is in flight on the same handle. The caller decides whether to retry.
	ErrBusy = errors.New("plugin busy")

	// ErrNotRunning is returned when a dispatch targets a handle that is not
	// in the ready state.
	ErrNotRunning = errors.New("plugin not running")

	// ErrTimeout is returned when a handshake, dispatch, or shutdown
	// deadline is exceeded. The offending handle is force-stopped.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrUnknownCommand is returned when no manifest claims a command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrUnknownPlugin is returned when no manifest matches a plugin name.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrManifestConflict is returned at load time when two manifests claim
	// the same plugin or command name. Conflicting plugins are not
	// registered; priority never resolves a conflict.
	ErrManifestConflict = errors.New("manifest conflict")

	// ErrForcedTermination reports that a plugin had to be killed after
	// ignoring a graceful shutdown. A warning, not data loss.
	ErrForcedTermination = errors.New("plugin terminated forcefully")

	// ErrShutdownIncomplete reports that best-effort teardown exceeded its
	// deadline. Callers must still return; outward control never hangs on
	// one stuck child process.
	ErrShutdownIncomplete = errors.New("shutdown incomplete")
)
