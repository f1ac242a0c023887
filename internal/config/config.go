// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package config loads host configuration from a YAML file overlaid with
// command-line flags. Precedence, lowest to highest: built-in defaults,
// config file, flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/sidekick-host/sidekick/internal/xdg"
)

// Timeouts groups the host's deadline knobs.
type Timeouts struct {
	// Handshake bounds the initialize exchange after spawn.
	Handshake time.Duration `koanf:"handshake"`
	// Dispatch bounds one delegated command end to end.
	Dispatch time.Duration `koanf:"dispatch"`
	// PluginStop is the grace period before a stop escalates to SIGKILL.
	PluginStop time.Duration `koanf:"plugin_stop"`
	// Shutdown bounds the teardown of all plugins at host exit.
	Shutdown time.Duration `koanf:"shutdown"`
	// IdleEviction stops non-persistent plugins idle this long; 0 disables.
	IdleEviction time.Duration `koanf:"idle_eviction"`
}

// Config is the full host configuration.
type Config struct {
	PluginsDir      string   `koanf:"plugins_dir"`
	LogFormat       string   `koanf:"log_format"`
	MetricsAddr     string   `koanf:"metrics_addr"`
	DisabledPlugins []string `koanf:"disabled_plugins"`
	Timeouts        Timeouts `koanf:"timeouts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PluginsDir:  xdg.PluginsDir(),
		LogFormat:   "json",
		MetricsAddr: "",
		Timeouts: Timeouts{
			Handshake:    5 * time.Second,
			Dispatch:     30 * time.Second,
			PluginStop:   5 * time.Second,
			Shutdown:     15 * time.Second,
			IdleEviction: 0,
		},
	}
}

// Load builds the configuration. path may be empty (no config file);
// a named file that does not exist is an error. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, oops.Code("CONFIG_NOT_FOUND").With("path", path).Wrap(err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		// Flag names use dashes; config keys use underscores.
		p := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			return strings.ReplaceAll(key, "-", "_"), value
		})
		if err := k.Load(p, nil); err != nil {
			return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration constraints.
func (c *Config) Validate() error {
	if c.PluginsDir == "" {
		return oops.Code("CONFIG_INVALID").Errorf("plugins_dir must not be empty")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").
			Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	for name, d := range map[string]time.Duration{
		"handshake":   c.Timeouts.Handshake,
		"dispatch":    c.Timeouts.Dispatch,
		"plugin_stop": c.Timeouts.PluginStop,
		"shutdown":    c.Timeouts.Shutdown,
	} {
		if d <= 0 {
			return oops.Code("CONFIG_INVALID").
				Errorf("timeouts.%s must be positive, got %s", name, d)
		}
	}
	if c.Timeouts.IdleEviction < 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("timeouts.idle_eviction must not be negative, got %s", c.Timeouts.IdleEviction)
	}
	return nil
}

// String renders the config for startup logging, one key per line.
func (c *Config) String() string {
	return fmt.Sprintf("plugins_dir=%s log_format=%s metrics_addr=%s disabled=%v",
		c.PluginsDir, c.LogFormat, c.MetricsAddr, c.DisabledPlugins)
}
