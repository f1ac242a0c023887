// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package plugin provides plugin discovery, supervision, and lifecycle
// control for the sidekick host.
package plugin

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/sidekick-host/sidekick/pkg/wire"
)

// ManifestFilename is the manifest file expected inside each plugin dir.
const ManifestFilename = "manifest.json"

// Manifest represents a manifest.json file. Immutable after load.
type Manifest struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description,omitempty"`
	Executable  string     `json:"executable"`
	Persistent  bool       `json:"persistent,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Functions   []Function `json:"functions"`
}

// Function declares one command a plugin exposes.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	// Properties is an optional JSON Schema for the function parameters.
	Properties json.RawMessage `json:"properties,omitempty"`
}

// maxNameLength is the maximum allowed length for plugin and function names.
const maxNameLength = 64

// namePattern validates plugin and function names: must start with a
// lowercase letter, followed by lowercase letters, digits, underscores, or
// hyphens. Cannot end with an underscore or hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9_-]*[a-z0-9])?$`)

// ParseManifest parses and validates a manifest.json file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z and contain only a-z, 0-9, underscores, and hyphens", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	if err := validateExecutable(m.Executable); err != nil {
		return err
	}

	if len(m.Functions) == 0 {
		return fmt.Errorf("at least one function is required")
	}

	seen := make(map[string]struct{}, len(m.Functions))
	for _, fn := range m.Functions {
		if err := validateFunction(fn); err != nil {
			return err
		}
		if _, dup := seen[fn.Name]; dup {
			return fmt.Errorf("function %q declared twice", fn.Name)
		}
		seen[fn.Name] = struct{}{}
	}

	return nil
}

// CommandNames returns the command names this manifest claims.
func (m *Manifest) CommandNames() []string {
	names := make([]string, 0, len(m.Functions))
	for _, fn := range m.Functions {
		names = append(names, fn.Name)
	}
	return names
}

// FunctionByName returns the declared function with the given name.
func (m *Manifest) FunctionByName(name string) (Function, bool) {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return Function{}, false
}

// validateExecutable rejects empty, absolute, and directory-escaping
// executable paths. The executable is always resolved inside the plugin dir.
func validateExecutable(exe string) error {
	if exe == "" {
		return fmt.Errorf("executable is required")
	}
	if filepath.IsAbs(exe) {
		return fmt.Errorf("executable %q must be relative to the plugin directory", exe)
	}
	clean := filepath.Clean(exe)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("executable %q escapes the plugin directory", exe)
	}
	return nil
}

// validateFunction checks one function declaration.
func validateFunction(fn Function) error {
	if fn.Name == "" || !namePattern.MatchString(fn.Name) {
		return fmt.Errorf("function name %q must start with a-z and contain only a-z, 0-9, underscores, and hyphens", fn.Name)
	}
	if len(fn.Name) > maxNameLength {
		return fmt.Errorf("function name must be %d characters or less, got %d", maxNameLength, len(fn.Name))
	}
	if fn.Name == wire.CommandInitialize || fn.Name == wire.CommandShutdown {
		return fmt.Errorf("function name %q is reserved by the protocol", fn.Name)
	}
	if len(fn.Properties) > 0 {
		if _, err := CompileParamsSchema(fn.Properties); err != nil {
			return fmt.Errorf("function %q has an invalid parameter schema: %w", fn.Name, err)
		}
	}
	return nil
}
