// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache holds the compiled manifest schema to avoid recompilation.
var schemaCache *jschema.Schema

// GenerateSchema generates a JSON Schema from the Manifest struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Manifest{})

	schema.ID = jsonschema.ID(GetSchemaID())
	schema.Title = "Sidekick Plugin Manifest"
	schema.Description = "Schema for manifest.json plugin descriptor files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ValidateSchema validates raw manifest.json data against the manifest
// JSON Schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("manifest data is empty")
	}

	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	sch, err := getCompiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// getCompiledSchema returns the cached compiled manifest schema.
func getCompiledSchema() (*jschema.Schema, error) {
	if schemaCache != nil {
		return schemaCache, nil
	}

	schemaBytes, err := GenerateSchema()
	if err != nil {
		return nil, err
	}

	sch, err := compile("manifest.schema.json", schemaBytes)
	if err != nil {
		return nil, err
	}

	schemaCache = sch
	return sch, nil
}

// CompileParamsSchema compiles the JSON Schema declared for a function's
// parameters. Called at registry load time so an invalid schema rejects
// the manifest instead of failing the first dispatch.
func CompileParamsSchema(raw json.RawMessage) (*jschema.Schema, error) {
	return compile("params.schema.json", raw)
}

// ValidateParams validates command properties against a compiled function
// parameter schema. Params are round-tripped through JSON so numeric types
// match what the schema validator expects.
func ValidateParams(sch *jschema.Schema, params map[string]any) error {
	if sch == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("params validation failed: %w", err)
	}
	return nil
}

// compile builds a schema from raw JSON bytes.
func compile(url string, raw []byte) (*jschema.Schema, error) {
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema JSON: %w", err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return sch, nil
}

// ResetSchemaCache clears the cached manifest schema. Used for testing.
func ResetSchemaCache() {
	schemaCache = nil
}

// GetSchemaID returns the schema $id for manifest.json files.
func GetSchemaID() string {
	return "https://sidekick-host.dev/schemas/manifest.schema.json"
}
