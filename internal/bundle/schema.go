package bundle

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// manifestSchema is the structural contract every manifest must satisfy
// before the typed decode runs.
const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"version": {"type": "string"},
		"overlay": {"type": "boolean"},
		"instruction": {"type": "string"},
		"config": {"type": "object"},
		"tools": {"$ref": "#/$defs/modules"},
		"hooks": {"$ref": "#/$defs/modules"},
		"providers": {"$ref": "#/$defs/modules"},
		"agents": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["instruction"],
				"properties": {
					"instruction": {"type": "string", "minLength": 1},
					"config": {"type": "object"}
				}
			}
		}
	},
	"$defs": {
		"modules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["module"],
				"properties": {
					"module": {"type": "string", "minLength": 1},
					"config": {"type": "object"}
				}
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal manifest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.json", doc); err != nil {
			schemaErr = fmt.Errorf("add manifest schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("manifest.json")
	})
	return compiledSchema, schemaErr
}

// ValidateManifest checks raw yaml manifest bytes against the schema. The
// yaml document is round-tripped through JSON so the validator sees canonical
// value types.
func ValidateManifest(data []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("parse manifest yaml: %w", err)
	}
	asJSON, err := json.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("canonicalize manifest: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(asJSON)))
	if err != nil {
		return fmt.Errorf("reparse manifest: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	return nil
}
