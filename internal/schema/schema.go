// Package schema enforces the strict, unknown-fields-rejected validation
// spec §6 requires for operation description writes: a client that
// misspells a field or sends a stale shape gets a 400 instead of the field
// being silently dropped.
package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const operationWriteSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "title": {"type": "string"},
    "purpose": {"type": "string"},
    "url": {"type": "string"},
    "starts_at": {"type": "string", "format": "date-time"},
    "ends_at": {"type": "string", "format": "date-time"},
    "annotations": {"type": "object", "additionalProperties": {"type": "string"}},
    "components": {"type": "array", "items": {"type": "string"}},
    "locks": {"type": "array", "items": {"type": "string"}},
    "tags": {"type": "array", "items": {"type": "string"}},
    "depends_on": {"type": "array", "items": {"type": "integer"}},
    "operators": {"type": "array", "items": {"type": "string"}}
  }
}`

const transitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["to"],
  "properties": {
    "to": {"type": "string"},
    "note": {"type": "string"}
  }
}`

// Validator holds compiled schemas for the operation write endpoints.
type Validator struct {
	operationWrite *jsonschema.Schema
	transition     *jsonschema.Schema
}

// New compiles the fixed set of schemas the request facade validates
// against. It panics on a malformed literal schema, which would be a
// programming error caught immediately in any test run.
func New() *Validator {
	return &Validator{
		operationWrite: compile("operation_write.json", operationWriteSchema),
		transition:     compile("transition.json", transitionSchema),
	}
}

func compile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader([]byte(src))); err != nil {
		panic(fmt.Sprintf("schema: add resource %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema: compile %s: %v", name, err))
	}
	return s
}

// ValidateOperationWrite rejects unknown fields on operation create/edit bodies.
func (v *Validator) ValidateOperationWrite(body any) error {
	return v.operationWrite.Validate(body)
}

// ValidateTransition rejects unknown fields on transition request bodies.
func (v *Validator) ValidateTransition(body any) error {
	return v.transition.Validate(body)
}
