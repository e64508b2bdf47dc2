package providers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/atriumhq/atrium/internal/agent"
	"github.com/atriumhq/atrium/pkg/envelope"
)

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  AnthropicConfig
		wantErr bool
	}{
		{"missing key", AnthropicConfig{}, true},
		{"key only", AnthropicConfig{APIKey: "sk-test"}, false},
		{"full config", AnthropicConfig{
			APIKey:       "sk-test",
			BaseURL:      "http://127.0.0.1:8089",
			MaxRetries:   5,
			RetryDelay:   2 * time.Second,
			DefaultModel: "claude-3-haiku-20240307",
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewAnthropicProvider(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAnthropicProvider() error = %v", err)
			}
			if p.Name() != "anthropic" {
				t.Errorf("Name() = %q", p.Name())
			}
		})
	}
}

func TestAnthropicDefaults(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	if p.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", p.maxRetries)
	}
	if p.retryDelay != time.Second {
		t.Errorf("retryDelay = %v, want 1s", p.retryDelay)
	}
	if p.defaultModel == "" {
		t.Error("defaultModel is empty")
	}
	if got := p.model(""); got != p.defaultModel {
		t.Errorf("model(\"\") = %q, want default", got)
	}
	if got := p.model("other"); got != "other" {
		t.Errorf("model(other) = %q", got)
	}
	if got := maxTokensOrDefault(0); got != 4096 {
		t.Errorf("maxTokensOrDefault(0) = %d, want 4096", got)
	}
	if got := maxTokensOrDefault(1024); got != 1024 {
		t.Errorf("maxTokensOrDefault(1024) = %d", got)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []agent.CompletionMessage
		wantLen  int
		wantErr  bool
	}{
		{
			name:     "simple user message",
			messages: []agent.CompletionMessage{{Role: "user", Content: "Hello"}},
			wantLen:  1,
		},
		{
			name: "system message skipped",
			messages: []agent.CompletionMessage{
				{Role: "system", Content: "rules"},
				{Role: "user", Content: "Hello"},
			},
			wantLen: 1,
		},
		{
			name: "assistant with tool calls",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: "list employees"},
				{Role: "assistant", Content: "Checking.", ToolCalls: []agent.ToolCall{
					{ID: "c1", Name: "list_employees", Input: json.RawMessage(`{"limit":5}`)},
				}},
			},
			wantLen: 2,
		},
		{
			name: "tool results become user message",
			messages: []agent.CompletionMessage{
				{Role: "tool", ToolResults: []agent.ToolResult{
					{ToolCallID: "c1", Content: `{"status":"success"}`},
					{ToolCallID: "c2", Content: `{"status":"error"}`, IsError: true},
				}},
			},
			wantLen: 1,
		},
		{
			name: "invalid tool call input",
			messages: []agent.CompletionMessage{
				{Role: "assistant", ToolCalls: []agent.ToolCall{
					{ID: "c1", Name: "t", Input: json.RawMessage(`not json`)},
				}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := convertAnthropicMessages(tt.messages)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("convertAnthropicMessages() error = %v", err)
			}
			if len(result) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(result), tt.wantLen)
			}
		})
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	tools := []envelope.ToolDescriptor{
		{
			Name:        "list_employees",
			Description: "List employees with keyset pagination.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer"}}}`),
		},
		{
			Name:        "get_employee",
			Description: "Fetch one employee by id.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"employee_id":{"type":"string"}}}`),
		},
	}

	result, err := convertAnthropicTools(tools)
	if err != nil {
		t.Fatalf("convertAnthropicTools() error = %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("len = %d, want 2", len(result))
	}
	for i, tool := range result {
		if tool.OfTool == nil {
			t.Fatalf("tool %d missing definition", i)
		}
		if got := tool.OfTool.Name; got != tools[i].Name {
			t.Errorf("tool %d name = %q, want %q", i, got, tools[i].Name)
		}
	}

	_, err = convertAnthropicTools([]envelope.ToolDescriptor{
		{Name: "bad", InputSchema: json.RawMessage(`not json`)},
	})
	if err == nil {
		t.Fatal("expected schema error, got nil")
	}
}
