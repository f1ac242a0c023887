// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the sidekick CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sidekick",
		Short: "Sidekick - a local plugin orchestration host",
		Long: `Sidekick hosts external plugin processes, routes commands to them
over a newline-free NUL-delimited JSON protocol, and streams their
responses back to the caller.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewValidateCmd())

	return cmd
}
