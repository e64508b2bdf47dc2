package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/pkg/envelope"
)

// Sink receives loop output destined for the client stream. The SSE writer
// implements it. A non-nil error from any method means the client is gone
// and the loop stops.
type Sink interface {
	Text(delta string) error
	Tool(name string, resp *envelope.ToolResponse) error
	Pending(info *envelope.PendingInfo) error
	Warnings(items []envelope.Warning) error
}

// Executor runs one tool call on the gateway side: allow-list check,
// dispatch to the owning server, and pending-action persistence before the
// envelope is surfaced. The returned envelope is never nil. server names the
// owning tool server, or "" when the tool is unknown.
type Executor interface {
	Execute(ctx context.Context, call ToolCall) (resp *envelope.ToolResponse, server string)
}

// DefaultMaxIterations bounds LLM turns per query. Each turn may carry any
// number of tool calls; the bound stops runaway call-result cycles.
const DefaultMaxIterations = 10

const defaultMaxTokens = 4096

// Config parameterizes one query's loop run. Tools is the caller's
// allow-list, already filtered by role; it is both advertised to the model
// and enforced again by the Executor on every call.
type Config struct {
	Model         string
	System        string
	Tools         []envelope.ToolDescriptor
	MaxIterations int
	MaxTokens     int
}

// Loop drives the turn cycle for one query: stream a completion, forward
// text deltas to the sink, execute the turn's tool calls serially in
// emission order, append results, and go again until the model finishes
// without tool calls or the iteration budget is spent.
//
// Run executes on the calling goroutine, which is the query's single owning
// worker. Nothing here is shared between queries.
type Loop struct {
	provider LLMProvider
	executor Executor
	sink     Sink
	config   Config
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewLoop builds a loop, applying iteration and token defaults.
func NewLoop(provider LLMProvider, executor Executor, sink Sink, config Config, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}
	return &Loop{
		provider: provider,
		executor: executor,
		sink:     sink,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run executes the loop to completion. messages seeds the conversation; the
// slice is not mutated. A nil return means the stream ended cleanly (the
// handler emits done); an error maps to a terminal error event.
func (l *Loop) Run(ctx context.Context, messages []CompletionMessage) error {
	msgs := make([]CompletionMessage, len(messages))
	copy(msgs, messages)

	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		text, calls, err := l.streamTurn(ctx, msgs)
		if err != nil {
			return err
		}

		if len(calls) == 0 {
			return nil
		}

		results, err := l.executeCalls(ctx, calls)
		if err != nil {
			return err
		}

		msgs = append(msgs, CompletionMessage{Role: "assistant", Content: text, ToolCalls: calls})
		msgs = append(msgs, CompletionMessage{Role: "tool", ToolResults: results})
	}

	l.logger.Warn(ctx, "query loop stopped at iteration limit",
		"max_iterations", l.config.MaxIterations,
	)
	return nil
}

// streamTurn runs one completion, forwarding text as it arrives and
// collecting tool calls in emission order. A sink write failure stops
// forwarding but keeps draining the channel; the writer cancels the query
// context, which unwinds the provider stream.
func (l *Loop) streamTurn(ctx context.Context, msgs []CompletionMessage) (string, []ToolCall, error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    l.config.System,
		Messages:  msgs,
		Tools:     l.config.Tools,
		MaxTokens: l.config.MaxTokens,
	}

	start := time.Now()

	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		l.metrics.RecordLLMRequest(l.provider.Name(), l.config.Model, "error", time.Since(start).Seconds(), 0, 0)
		return "", nil, err
	}

	var text strings.Builder
	var calls []ToolCall
	var streamErr, writeErr error
	var inputTokens, outputTokens int

	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			if streamErr == nil {
				streamErr = chunk.Error
			}
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			if writeErr == nil {
				writeErr = l.sink.Text(chunk.Text)
			}
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		case chunk.Done:
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
		}
	}

	status := "ok"
	if streamErr != nil || writeErr != nil {
		status = "error"
	}
	l.metrics.RecordLLMRequest(l.provider.Name(), l.config.Model, status, time.Since(start).Seconds(), inputTokens, outputTokens)

	if streamErr != nil {
		return "", nil, streamErr
	}
	if writeErr != nil {
		return "", nil, writeErr
	}
	return text.String(), calls, nil
}

// executeCalls dispatches the turn's calls one at a time, in the order the
// model emitted them. Each envelope reaches the client as a tool event in
// public form; pending envelopes additionally produce a pending event after
// the executor has persisted the action. Backend failures (TIMEOUT,
// UPSTREAM_ERROR) do not abort the turn; they are aggregated into a single
// warnings event.
func (l *Loop) executeCalls(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, 0, len(calls))
	var warnings []envelope.Warning

	for _, call := range calls {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, server := l.executor.Execute(ctx, call)
		pub := resp.Public()

		if err := l.sink.Tool(call.Name, pub); err != nil {
			return nil, err
		}
		if info := pub.Pending(); info != nil {
			if err := l.sink.Pending(info); err != nil {
				return nil, err
			}
		}

		if e := resp.Err(); e != nil {
			if e.Code == envelope.CodeTimeout || e.Code == envelope.CodeUpstreamError {
				warnings = append(warnings, envelope.Warning{
					Server:  server,
					Code:    string(e.Code),
					Message: e.Message,
				})
			}
		}

		content, err := llmContent(pub)
		if err != nil {
			return nil, fmt.Errorf("agent: encode tool result for %s: %w", call.Name, err)
		}
		results = append(results, ToolResult{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    resp.Err() != nil,
		})
	}

	if len(warnings) > 0 {
		if err := l.sink.Warnings(warnings); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// llmContent renders the envelope the model sees. The public form already
// strips technicalDetails and reduces pending confirmation data to the
// action tag. A page cut at the limit gets the truncation note appended so
// the model knows to continue with the cursor.
func llmContent(pub *envelope.ToolResponse) (string, error) {
	encoded, err := json.Marshal(pub)
	if err != nil {
		return "", err
	}
	if meta := pub.Pagination(); meta != nil && meta.HasMore {
		return string(encoded) + "\n" + truncationNote(meta), nil
	}
	return string(encoded), nil
}

func truncationNote(meta *envelope.Pagination) string {
	total := meta.TotalEstimate
	if total < meta.ReturnedCount {
		total = meta.ReturnedCount
	}
	return fmt.Sprintf("Result was truncated at %d of %d+; nextCursor is available.", meta.ReturnedCount, total)
}
