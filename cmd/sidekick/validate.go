// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sidekick-host/sidekick/internal/plugin"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plugin-dir>...",
		Short: "Validate plugin manifests",
		Long: `Validate one or more plugin directories: each must contain a
manifest.json that passes both the JSON Schema and the semantic checks
(name format, semver version, executable path, function uniqueness).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, dir := range args {
				if err := validatePluginDir(dir); err != nil {
					cmd.PrintErrf("%s: %v\n", dir, err)
					failed++
					continue
				}
				cmd.Printf("%s: ok\n", dir)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plugin(s) failed validation", failed, len(args))
			}
			return nil
		},
	}
}

// validatePluginDir runs the same checks the registry applies at load.
func validatePluginDir(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, plugin.ManifestFilename))
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	if err := plugin.ValidateSchema(raw); err != nil {
		return err
	}
	// ParseManifest re-checks semantics the schema cannot express
	// (semver, path escapes, reserved names, parameter schemas).
	_, err = plugin.ParseManifest(raw)
	return err
}
