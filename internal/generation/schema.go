package generation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed request.schema.json
var requestSchema string

const requestSchemaID = "https://lumora.dev/schemas/generation-request.json"

// Validator rejects request bodies that do not match the embedded request schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource(requestSchemaID, bytes.NewReader([]byte(requestSchema))); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}
	s, err := c.Compile(requestSchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Parse validates body against the schema and decodes it.
func (v *Validator) Parse(body []byte) (Request, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Request{}, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidRequest, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}
