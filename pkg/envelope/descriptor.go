package envelope

import "encoding/json"

// ToolDescriptor advertises one tool during discovery. InputSchema is a
// JSON Schema document; the gateway forwards it verbatim to the LLM and to
// GET /tools clients.
type ToolDescriptor struct {
	Name          string          `json:"name"`
	Server        string          `json:"server,omitempty"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"inputSchema"`
	OutputSchema  json.RawMessage `json:"outputSchema,omitempty"`
	RequiredRoles []string        `json:"requiredRoles"`
	ReadOnly      bool            `json:"readOnly"`
	Destructive   bool            `json:"destructive,omitempty"`
}

// DiscoveryResponse is the body of POST /tools/discover.
type DiscoveryResponse struct {
	Server string           `json:"server"`
	Tools  []ToolDescriptor `json:"tools"`
}

// Warning is a non-fatal notice about one failed backend call, accumulated
// during a turn and delivered to the client as a single warnings event.
type Warning struct {
	Server  string `json:"server"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
