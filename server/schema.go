package server

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// mutationSchema validates the wire envelope before the typed decode runs.
// It rejects structurally hopeless requests early; the exhaustive per-op
// decode in common/types owns the finer shape checks.
const mutationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operation", "data"],
  "properties": {
    "operation": {
      "enum": ["create", "update", "delete", "reorder", "reorder-single"]
    }
  },
  "allOf": [
    {
      "if": {"properties": {"operation": {"const": "delete"}}},
      "then": {"properties": {"data": {"type": "string", "minLength": 1}}}
    },
    {
      "if": {"properties": {"operation": {"const": "reorder"}}},
      "then": {"properties": {"data": {"type": "array"}}}
    },
    {
      "if": {"properties": {"operation": {"enum": ["create", "update", "reorder-single"]}}},
      "then": {"properties": {"data": {"type": "object"}}}
    }
  ]
}`

func compileMutationSchema() (*jsonschema.Schema, error) {
	sch, err := jsonschema.CompileString("sync.schema.json", mutationSchema)
	if err != nil {
		return nil, fmt.Errorf("compile mutation schema: %w", err)
	}
	return sch, nil
}

// validateEnvelope checks raw against the mutation schema.
func validateEnvelope(sch *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal mutation: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("validate mutation: %w", err)
	}
	return nil
}
