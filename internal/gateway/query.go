package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/atriumhq/atrium/internal/agent"
	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/pkg/envelope"
)

// maxQueryBytes bounds the /query request body.
const maxQueryBytes = 1 << 20

type queryRequest struct {
	Query        string             `json:"query"`
	Conversation []conversationTurn `json:"conversation,omitempty"`
}

// conversationTurn is one prior exchange resubmitted by the client. Only
// plain text survives between requests; tool traffic is not replayed.
type conversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleQuery streams one answer. Request problems are plain HTTP errors;
// once the stream is open every failure becomes a terminal error event.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, envelope.CodeValidationError, "Use POST.")
		return
	}

	cc, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, envelope.CodeUnauthorized, "Missing caller identity.")
		return
	}

	var req queryRequest
	body := http.MaxBytesReader(w, r.Body, maxQueryBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, envelope.CodeValidationError, "Request body must be JSON with a query field.")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, envelope.CodeValidationError, "Query must not be empty.")
		return
	}
	messages, ok := conversationMessages(req)
	if !ok {
		writeError(w, http.StatusBadRequest, envelope.CodeValidationError, "Conversation roles must be user or assistant.")
		return
	}

	// The whole stream lives inside the total budget. The cancel is also
	// handed to the stream writer so a dead client unwinds the loop.
	ctx, cancel := context.WithTimeout(r.Context(), s.config.Timeouts.RequestTotal)
	defer cancel()

	stream, err := newStreamWriter(w, cancel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, envelope.CodeOperationFailed, "Streaming is not supported on this connection.")
		return
	}

	s.metrics.StreamStarted()
	defer s.metrics.StreamEnded()

	correlationID := observability.GetCorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
		ctx = observability.AddCorrelationID(ctx, correlationID)
	}
	if err := stream.Connected(correlationID); err != nil {
		return
	}

	tools := s.registry.ToolsFor(cc)
	s.logger.Info(ctx, "query accepted",
		"tools_allowed", len(tools),
		"conversation_turns", len(req.Conversation))

	executor := newQueryExecutor(cc, tools, s.dispatcher, s.pending, s.logger, s.metrics)
	loop := agent.NewLoop(s.provider, executor, stream, agent.Config{
		Model:         s.config.LLM.Model,
		System:        agent.BuildSystemPrompt(cc, tools),
		Tools:         tools,
		MaxIterations: s.config.LLM.MaxTurns,
		MaxTokens:     s.config.LLM.MaxTokens,
	}, s.logger, s.metrics)

	s.finishQuery(ctx, stream, loop.Run(ctx, messages))
}

// finishQuery maps the loop outcome onto the stream's terminal event. A
// total-budget timeout emits REQUEST_TIMEOUT and closes without done; a
// gone client gets nothing.
func (s *Server) finishQuery(ctx context.Context, stream *streamWriter, err error) {
	switch {
	case err == nil:
		s.metrics.RecordQuery("success")
		if err := stream.Done(); err != nil {
			s.logger.Debug(ctx, "client left before done event")
		}

	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.RecordQuery("timeout")
		s.logger.Warn(ctx, "query exceeded total budget", "budget", s.config.Timeouts.RequestTotal)
		_ = stream.Error(envelope.CodeRequestTimeout, "The request exceeded its total time budget.")

	case errors.Is(err, errClientGone), errors.Is(err, context.Canceled):
		s.metrics.RecordQuery("cancelled")
		s.logger.Debug(ctx, "client closed the stream", "error", err)

	default:
		s.metrics.RecordQuery("error")
		s.logger.Error(ctx, "query loop failed", "error", err)
		_ = stream.Error(envelope.CodeUpstreamError, "The language model request failed. Try again shortly.")
	}
}

// conversationMessages rebuilds the seed message list: replayed prior turns
// followed by the new user query. Reports false on an unknown role.
func conversationMessages(req queryRequest) ([]agent.CompletionMessage, bool) {
	messages := make([]agent.CompletionMessage, 0, len(req.Conversation)+1)
	for _, turn := range req.Conversation {
		if turn.Role != "user" && turn.Role != "assistant" {
			return nil, false
		}
		if turn.Content == "" {
			continue
		}
		messages = append(messages, agent.CompletionMessage{Role: turn.Role, Content: turn.Content})
	}
	return append(messages, agent.CompletionMessage{Role: "user", Content: req.Query}), true
}
