package toolserver

import (
	"encoding/json"
	"fmt"

	"github.com/atriumhq/atrium/pkg/caller"
)

// Masked is the literal that replaces a sensitive field's value for
// callers without an unmasking role.
const Masked = "*** (Hidden)"

// FieldPolicy marks one sensitive field in a tool's success payload.
// Field is matched by name at any depth, so list rows and nested objects
// are covered. A caller holding any role in Unmask sees the raw value.
type FieldPolicy struct {
	Field  string
	Unmask []string
}

func (p FieldPolicy) unmaskedFor(cc caller.Context) bool {
	for _, role := range p.Unmask {
		if cc.HasRole(role) {
			return true
		}
	}
	return false
}

// redactData applies the policies the caller does not satisfy to a success
// payload. The payload is reshaped through its JSON form; data the caller
// may see untouched is returned as-is.
func redactData(data json.RawMessage, policies []FieldPolicy, cc caller.Context) (json.RawMessage, error) {
	masked := make(map[string]struct{})
	for _, p := range policies {
		if !p.unmaskedFor(cc) {
			masked[p.Field] = struct{}{}
		}
	}
	if len(masked) == 0 || len(data) == 0 {
		return data, nil
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("toolserver: redact: decode payload: %w", err)
	}
	redactValue(decoded, masked)

	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("toolserver: redact: encode payload: %w", err)
	}
	return out, nil
}

func redactValue(v any, masked map[string]struct{}) {
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			if _, hide := masked[key]; hide {
				node[key] = Masked
				continue
			}
			redactValue(child, masked)
		}
	case []any:
		for _, child := range node {
			redactValue(child, masked)
		}
	}
}
