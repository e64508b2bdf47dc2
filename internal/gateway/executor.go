package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atriumhq/atrium/internal/agent"
	"github.com/atriumhq/atrium/internal/dispatch"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/internal/pending"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/envelope"
)

// queryExecutor runs the tool calls of one query. It enforces the caller's
// allow-list again on every call the model emits, dispatches allowed calls
// to their owning server, and persists pending confirmations before the
// envelope surfaces anywhere.
type queryExecutor struct {
	caller     caller.Context
	allowed    map[string]envelope.ToolDescriptor
	dispatcher *dispatch.Client
	pending    pending.Store
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// newQueryExecutor builds an executor over the caller's allow-list. tools
// must be the same filtered set advertised to the model.
func newQueryExecutor(
	cc caller.Context,
	tools []envelope.ToolDescriptor,
	dispatcher *dispatch.Client,
	store pending.Store,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *queryExecutor {
	allowed := make(map[string]envelope.ToolDescriptor, len(tools))
	for _, desc := range tools {
		allowed[desc.Name] = desc
	}
	return &queryExecutor{
		caller:     cc,
		allowed:    allowed,
		dispatcher: dispatcher,
		pending:    store,
		logger:     logger,
		metrics:    metrics,
	}
}

// Execute implements agent.Executor. The post-filter rejects any call
// naming a tool outside the allow-list, whatever the model was talked
// into; the model is told so via an error envelope rather than an aborted
// query.
func (e *queryExecutor) Execute(ctx context.Context, call agent.ToolCall) (*envelope.ToolResponse, string) {
	desc, ok := e.allowed[call.Name]
	if !ok {
		e.metrics.RecordPermissionDenial(call.Name)
		e.logger.Warn(ctx, "tool call rejected by allow-list post-filter",
			"tool", call.Name,
			"user_id", e.caller.UserID)
		resp := envelope.NewError(envelope.CodeInsufficientPermissions,
			fmt.Sprintf("You are not permitted to use the tool %q.", call.Name)).
			WithTechnicalDetails("allow-list post-filter")
		return resp, ""
	}

	resp := e.dispatcher.Invoke(ctx, e.caller, call.Name, call.Input)

	if info := resp.Pending(); info != nil {
		if err := e.persistPending(ctx, call.Name, desc.Server, info); err != nil {
			e.logger.Error(ctx, "pending action not persisted",
				"tool", call.Name,
				"confirmation_id", info.ConfirmationID,
				"error", err)
			e.metrics.RecordError("gateway", "pending_store")
			// Without the stored entry the confirmation id is useless, so
			// surface a retryable error instead of a dead pending prompt.
			failed := envelope.NewError(envelope.CodeUpstreamError,
				"The confirmation could not be stored. Retry the operation.").
				WithTechnicalDetails(err.Error())
			return failed, desc.Server
		}
		e.metrics.RecordConfirmation("requested")
	}

	return resp, desc.Server
}

// persistPending stores the full confirmation payload under its id. The
// stored form is what /confirm later replays to the server's execute
// endpoint; it never travels to the LLM or the client.
func (e *queryExecutor) persistPending(ctx context.Context, tool, server string, info *envelope.PendingInfo) error {
	payload, err := json.Marshal(info.ConfirmationData)
	if err != nil {
		return fmt.Errorf("encode confirmation data: %w", err)
	}
	return e.pending.Put(ctx, &pending.Action{
		ConfirmationID: info.ConfirmationID,
		Action:         tool,
		Server:         server,
		UserID:         e.caller.UserID,
		Data:           payload,
		CreatedAt:      time.Now(),
	})
}
