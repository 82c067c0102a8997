package async2sync

import (
	"encoding/json"
	"fmt"

	schema "github.com/google/jsonschema-go/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/schemeadapter/pkg/errmodel"
)

// ArgsSchema validates the structural shape of workflow arguments. Schemas are
// declared as Go values and compiled once.
type ArgsSchema struct {
	name string
	sch  *validator.Schema
}

// CompileArgsSchema compiles s under name. It panics on an invalid schema since
// schemas are package-level declarations.
func CompileArgsSchema(name string, s *schema.Schema) *ArgsSchema {
	as, err := compileArgsSchema(name, s)
	if err != nil {
		panic(err)
	}
	return as
}

func compileArgsSchema(name string, s *schema.Schema) (*ArgsSchema, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schema %s: %w", name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	url := "mem://" + name + ".json"
	c := validator.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &ArgsSchema{name: name, sch: sch}, nil
}

// Validate checks v against the schema and reports violations as validation errors.
func (a *ArgsSchema) Validate(v any) error {
	if a == nil || a.sch == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errmodel.Validation("invalid_args", "arguments are not encodable", map[string]any{"model": a.name})
	}
	var doc any
	_ = json.Unmarshal(b, &doc)
	if err := a.sch.Validate(doc); err != nil {
		return errmodel.Validation("invalid_args", err.Error(), map[string]any{"model": a.name})
	}
	return nil
}

// RequiredString is a non-empty string property.
func RequiredString() *schema.Schema {
	one := 1
	return &schema.Schema{Type: "string", MinLength: &one}
}

// Object builds an object schema whose required keys are the given props.
func Object(props map[string]*schema.Schema, required ...string) *schema.Schema {
	return &schema.Schema{Type: "object", Properties: props, Required: required}
}
