// Package agent implements the query loop that drives an LLM turn by turn:
// stream text to the client, collect tool calls, execute them serially in
// emission order, feed results back, and repeat until the model stops asking
// for tools or the iteration budget runs out.
package agent

import (
	"context"
	"encoding/json"

	"github.com/atriumhq/atrium/pkg/envelope"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call id, echoed back in the result.
	ID string `json:"id"`

	// Name is the tool name as listed in the request's tool descriptors.
	Name string `json:"name"`

	// Input is the raw JSON arguments for the tool.
	Input json.RawMessage `json:"input"`
}

// ToolResult carries the outcome of a tool call back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// CompletionMessage is one message in the conversation sent to the provider.
// Role is one of "user", "assistant", or "tool". Tool-role messages carry
// ToolResults; assistant messages may carry ToolCalls alongside text.
type CompletionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// CompletionRequest describes one streaming completion.
type CompletionRequest struct {
	Model     string                    `json:"model"`
	System    string                    `json:"system,omitempty"`
	Messages  []CompletionMessage       `json:"messages"`
	Tools     []envelope.ToolDescriptor `json:"tools,omitempty"`
	MaxTokens int                       `json:"max_tokens,omitempty"`
}

// CompletionChunk is one unit of streamed output. Exactly one of Text,
// ToolCall, Done, or Error is meaningful per chunk. Tool calls are emitted
// whole, after the provider has accumulated their full JSON input.
type CompletionChunk struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Error    error

	// Token usage, populated on the chunks where the provider reports it.
	InputTokens  int
	OutputTokens int
}

// LLMProvider is a streaming completion backend. Complete returns a channel
// that yields chunks until a Done or Error chunk, then closes. Cancelling ctx
// aborts the stream.
type LLMProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	Name() string
}
