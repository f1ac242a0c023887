// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package plugin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, GetSchemaID(), schema["$id"])
	assert.Equal(t, "Sidekick Plugin Manifest", schema["title"])
	assert.Contains(t, schema, "properties")
}

func TestValidateSchema(t *testing.T) {
	t.Cleanup(ResetSchemaCache)

	require.NoError(t, ValidateSchema([]byte(validManifestJSON())))

	err := ValidateSchema([]byte(`{"version": "1.0.0"}`))
	require.Error(t, err)

	err = ValidateSchema(nil)
	require.Error(t, err)

	err = ValidateSchema([]byte("{broken"))
	require.Error(t, err)
}

func TestValidateParams(t *testing.T) {
	sch, err := CompileParamsSchema(json.RawMessage(`{
		"type": "object",
		"properties": {"city": {"type": "string"}, "days": {"type": "integer"}},
		"required": ["city"]
	}`))
	require.NoError(t, err)

	assert.NoError(t, ValidateParams(sch, map[string]any{"city": "Oslo", "days": 3}))
	assert.Error(t, ValidateParams(sch, map[string]any{"days": 3}))
	assert.Error(t, ValidateParams(sch, map[string]any{"city": 42}))
	assert.Error(t, ValidateParams(sch, nil))

	// Functions without a declared schema accept anything.
	assert.NoError(t, ValidateParams(nil, map[string]any{"whatever": true}))
}

func TestCompileParamsSchemaRejectsInvalid(t *testing.T) {
	_, err := CompileParamsSchema(json.RawMessage(`{"type": 42}`))
	require.Error(t, err)

	_, err = CompileParamsSchema(json.RawMessage("not json"))
	require.Error(t, err)
}
