// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidekick-host/sidekick/pkg/errutil"
)

// writeManifest creates a plugin directory under root with the given
// manifest JSON.
func writeManifest(t *testing.T, root, dir, manifest string) {
	t.Helper()
	pdir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pdir, ManifestFilename), []byte(manifest), 0o644))
}

func manifestJSON(name string, commands ...string) string {
	fns := ""
	for i, c := range commands {
		if i > 0 {
			fns += ","
		}
		fns += fmt.Sprintf(`{"name": %q}`, c)
	}
	return fmt.Sprintf(`{
		"name": %q,
		"version": "1.0.0",
		"executable": "run.sh",
		"functions": [%s]
	}`, name, fns)
}

func newTestRegistry(t *testing.T, root string, opts ...RegistryOption) *Registry {
	t.Helper()
	r, err := NewRegistry(root, NewSupervisor(), opts...)
	require.NoError(t, err)
	return r
}

func TestRegistryLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "weather", manifestJSON("weather", "get_weather", "get_forecast"))
	writeManifest(t, root, "clock", manifestJSON("clock", "get_time"))

	// Directories without a manifest are skipped, not errors.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0o755))
	// Plain files in the root are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("hi"), 0o644))

	r := newTestRegistry(t, root)
	require.NoError(t, r.Load())

	plugins := r.Plugins()
	require.Len(t, plugins, 2)
	assert.Equal(t, "clock", plugins[0].Manifest.Name)
	assert.Equal(t, "weather", plugins[1].Manifest.Name)

	d, err := r.Resolve("get_time")
	require.NoError(t, err)
	assert.Equal(t, "clock", d.Manifest.Name)

	_, err = r.Resolve("get_sunrise")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	d, err = r.Plugin("weather")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "weather"), d.Dir)

	_, err = r.Plugin("missing")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestRegistryLoadReportsInvalidManifests(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "good", manifestJSON("good", "do_thing"))
	writeManifest(t, root, "broken", `{"name": "broken"`)
	writeManifest(t, root, "badver", `{
		"name": "badver", "version": "nope", "executable": "run.sh",
		"functions": [{"name": "x_cmd"}]
	}`)

	r := newTestRegistry(t, root)
	err := r.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, err.Error(), "badver")

	// The valid plugin registered regardless.
	plugins := r.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, "good", plugins[0].Manifest.Name)
}

func TestRegistryLoadExcludesConflicts(t *testing.T) {
	root := t.TempDir()
	// Two directories claim the same plugin name.
	writeManifest(t, root, "alpha", manifestJSON("dup", "alpha_cmd"))
	writeManifest(t, root, "beta", manifestJSON("dup", "beta_cmd"))
	// Two distinct plugins claim the same command.
	writeManifest(t, root, "gamma", manifestJSON("gamma", "shared_cmd"))
	writeManifest(t, root, "delta", manifestJSON("delta", "shared_cmd"))
	// An innocent bystander registers fine.
	writeManifest(t, root, "clean", manifestJSON("clean", "clean_cmd"))

	r := newTestRegistry(t, root)
	err := r.Load()
	require.ErrorIs(t, err, ErrManifestConflict)
	errutil.AssertErrorCode(t, err, "PLUGIN_CONFLICT")

	plugins := r.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, "clean", plugins[0].Manifest.Name)

	_, err = r.Resolve("shared_cmd")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = r.Resolve("alpha_cmd")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = r.Plugin("dup")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestRegistryDisabledPatterns(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "weather", manifestJSON("weather", "get_weather"))
	writeManifest(t, root, "weather-dev", manifestJSON("weather-dev", "dev_weather"))
	writeManifest(t, root, "clock", manifestJSON("clock", "get_time"))

	r := newTestRegistry(t, root, WithDisabledPatterns([]string{"weather*"}))
	require.NoError(t, r.Load())

	plugins := r.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, "clock", plugins[0].Manifest.Name)
}

func TestRegistryRejectsBadDisabledPattern(t *testing.T) {
	_, err := NewRegistry(t.TempDir(), NewSupervisor(), WithDisabledPatterns([]string{"[unclosed"}))
	require.Error(t, err)
}

func TestRegistryLoadMissingRoot(t *testing.T) {
	r := newTestRegistry(t, filepath.Join(t.TempDir(), "does-not-exist"))
	err := r.Load()
	require.Error(t, err)
}

func TestRegistryReloadSwapsTable(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "weather", manifestJSON("weather", "get_weather"))

	r := newTestRegistry(t, root)
	require.NoError(t, r.Load())
	require.Len(t, r.Plugins(), 1)

	// Remove the plugin and reload; the stale route must disappear.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "weather")))
	writeManifest(t, root, "clock", manifestJSON("clock", "get_time"))
	require.NoError(t, r.Load())

	_, err := r.Resolve("get_weather")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = r.Resolve("get_time")
	assert.NoError(t, err)
}

func TestRegistryParamSchemas(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "weather", `{
		"name": "weather",
		"version": "1.0.0",
		"executable": "run.sh",
		"functions": [
			{
				"name": "get_weather",
				"properties": {
					"type": "object",
					"properties": {"city": {"type": "string"}},
					"required": ["city"]
				}
			},
			{"name": "get_forecast"}
		]
	}`)

	r := newTestRegistry(t, root)
	require.NoError(t, r.Load())

	d, err := r.Plugin("weather")
	require.NoError(t, err)

	sch := d.ParamSchema("get_weather")
	require.NotNil(t, sch)
	assert.NoError(t, ValidateParams(sch, map[string]any{"city": "Oslo"}))
	assert.Error(t, ValidateParams(sch, map[string]any{}))

	assert.Nil(t, d.ParamSchema("get_forecast"))
}
