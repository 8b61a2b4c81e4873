package plugins

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(schema); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", schema)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(schema, compiled)
	return compiled, nil
}

// validateParams checks params against a command's JSON schema. An empty
// schema accepts anything.
func validateParams(cmd, schema string, params map[string]any) error {
	if schema == "" {
		return nil
	}
	compiled, err := compileSchema(cmd, schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", cmd, err)
	}

	// round-trip so numbers and nested values have the decoder's types
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
