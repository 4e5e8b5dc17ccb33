package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaResource names the in-memory document each tool schema is
// compiled from. Tool schemas are self-contained, so it is never
// fetched.
const schemaResource = "tool-input.json"

// compileSchema compiles the advertised form of s with the default
// draft (2020-12, or whatever $schema the document declares).
func compileSchema(s Schema) (*jsonschema.Schema, error) {
	doc, err := toJSONValue(s.Map())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := c.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return compiled, nil
}

// ValidateArguments checks args against schema. Missing arguments are
// treated as an empty object. Failures wrap ErrInvalidArguments, or
// ErrInvalidSchema when the schema itself does not compile.
func ValidateArguments(schema Schema, args map[string]any) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}
	return validateWith(compiled, args)
}

func validateWith(compiled *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	inst, err := toJSONValue(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := compiled.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArguments, describe(err))
	}
	return nil
}

// toJSONValue re-decodes v with json.Number so integers and floats are
// told apart the way the validator expects.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// describe flattens a validation error to one line for the model,
// dropping the header that names the schema resource.
func describe(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	if len(lines) > 1 {
		lines = lines[1:]
	}
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimPrefix(strings.TrimSpace(l), "- "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "; ")
}
