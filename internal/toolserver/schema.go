package toolserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MustInputSchema reflects a JSON Schema from a tool's input struct. The
// schema is inlined (no $ref) and closed (additionalProperties false), so
// the LLM and the validator see the same self-contained document. Panics
// on reflection failure; tool inputs are static types, so that is a
// programming error caught by any test that touches the tool.
func MustInputSchema(v any) json.RawMessage {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("toolserver: reflect input schema: %v", err))
	}
	return data
}

// compileSchema compiles a descriptor's input schema for request-time
// validation. Called once per tool at registration. Formats (uuid, email)
// are asserted, not just annotated.
func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	url := name + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("compile %s input schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s input schema: %w", name, err)
	}
	return compiled, nil
}

// validateInput checks a raw JSON body against a compiled schema and
// returns a caller-facing message naming the first failing field.
func validateInput(schema *jsonschema.Schema, body []byte) (ok bool, message string) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false, "Arguments must be a JSON object."
	}
	if err := schema.Validate(decoded); err != nil {
		return false, validationMessage(err)
	}
	return true, ""
}

// validationMessage renders the first leaf cause of a validation error:
// the instance path of the offending field plus the validator's message.
func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "Arguments did not match the tool's input schema."
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("Invalid argument at %s: %s", loc, ve.Message)
}
