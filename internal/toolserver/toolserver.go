// Package toolserver is the shared framework the four domain servers are
// built on. It owns the HTTP surface (discovery, invocation, confirmed
// execution, health, metrics) and the invocation pipeline: caller header
// parsing, JSON Schema validation, role checks, and PII redaction. Domain
// packages contribute Tools; everything around them is uniform.
package toolserver

import (
	"context"
	"encoding/json"

	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/envelope"
)

// Request is one validated tool invocation. Input has already passed the
// tool's input schema; Caller has already passed the role check.
type Request struct {
	Caller caller.Context
	Input  json.RawMessage
}

// ExecuteRequest is one confirmed destructive action being replayed. Data
// is the confirmation payload the tool produced in its pending envelope;
// the framework has already verified the originator and re-checked roles.
type ExecuteRequest struct {
	Caller caller.Context
	Action string
	Data   map[string]any
}

// Tool is one invocable tool. Invoke returns an envelope for every domain
// outcome, including domain errors; a non-nil Go error means the tool
// itself broke and is surfaced to the gateway as OPERATION_FAILED.
type Tool interface {
	Descriptor() envelope.ToolDescriptor
	Invoke(ctx context.Context, req *Request) (*envelope.ToolResponse, error)
}

// DestructiveTool is a Tool whose first invocation returns a pending
// confirmation instead of mutating. Execute performs the mutation once the
// gateway replays the approved confirmation payload.
type DestructiveTool interface {
	Tool
	Execute(ctx context.Context, req *ExecuteRequest) (*envelope.ToolResponse, error)
}

// Registration couples a tool with the redaction policy applied to its
// success payloads before they leave the server.
type Registration struct {
	Tool   Tool
	Redact []FieldPolicy
}

// Unwrap decodes a validated input payload into the tool's input struct.
// The schema has already rejected unknown fields and type mismatches, so a
// decode failure here is a programming error, not caller input.
func (r *Request) Unwrap(v any) error {
	if len(r.Input) == 0 {
		return nil
	}
	return json.Unmarshal(r.Input, v)
}
