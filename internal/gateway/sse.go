package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/atriumhq/atrium/pkg/envelope"
)

// errClientGone reports that the client dropped the stream mid-query.
var errClientGone = errors.New("gateway: client closed the stream")

// Event payloads of the /query stream.
type connectedEvent struct {
	CorrelationID string `json:"correlationId"`
}

type textEvent struct {
	Delta string `json:"delta"`
}

type toolEvent struct {
	Name     string                 `json:"name"`
	Envelope *envelope.ToolResponse `json:"envelope"`
}

type pendingEvent struct {
	ConfirmationID string         `json:"confirmationId"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data"`
}

type warningsEvent struct {
	Items []envelope.Warning `json:"items"`
}

// streamWriter emits server-sent events for one /query response. It is the
// agent loop's Sink. Not safe for concurrent writers; the query's single
// owning goroutine is the only caller.
//
// The first failed write marks the stream dead and cancels the query
// context, which unwinds the provider stream and any in-flight tool call.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	cancel  context.CancelFunc
	dead    bool
}

// newStreamWriter sends the SSE preamble and returns the writer. It fails
// when the underlying ResponseWriter cannot flush, which would silently
// buffer the whole stream.
func newStreamWriter(w http.ResponseWriter, cancel context.CancelFunc) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("gateway: response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Tell nginx-style proxies not to buffer the stream.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &streamWriter{w: w, flusher: flusher, cancel: cancel}, nil
}

// emit writes one event frame and flushes it.
func (s *streamWriter) emit(name string, payload any) error {
	if s.dead {
		return errClientGone
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gateway: encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		s.dead = true
		s.cancel()
		return errClientGone
	}
	s.flusher.Flush()
	return nil
}

func (s *streamWriter) Connected(correlationID string) error {
	return s.emit("connected", connectedEvent{CorrelationID: correlationID})
}

func (s *streamWriter) Text(delta string) error {
	return s.emit("text", textEvent{Delta: delta})
}

// Tool emits the envelope in its public form; the loop strips technical
// details before it reaches the sink.
func (s *streamWriter) Tool(name string, resp *envelope.ToolResponse) error {
	return s.emit("tool", toolEvent{Name: name, Envelope: resp})
}

func (s *streamWriter) Pending(info *envelope.PendingInfo) error {
	return s.emit("pending", pendingEvent{
		ConfirmationID: info.ConfirmationID,
		Message:        info.Message,
		Data:           info.ConfirmationData,
	})
}

func (s *streamWriter) Warnings(items []envelope.Warning) error {
	return s.emit("warnings", warningsEvent{Items: items})
}

func (s *streamWriter) Error(code envelope.Code, message string) error {
	return s.emit("error", errorBody{Code: code, Message: message})
}

func (s *streamWriter) Done() error {
	return s.emit("done", struct{}{})
}
