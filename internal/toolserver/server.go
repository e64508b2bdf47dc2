package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/envelope"
)

const maxInvokeBytes = 1 << 20

// registeredTool is one tool with its compiled input schema.
type registeredTool struct {
	reg    Registration
	desc   envelope.ToolDescriptor
	schema *jsonschema.Schema
}

// Server hosts one domain's tools behind the uniform tool-server HTTP
// surface. Build with New, then Start; Shutdown drains in-flight requests.
type Server struct {
	name    string
	config  *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	tools map[string]*registeredTool
	names []string

	httpServer *http.Server
	listener   net.Listener
}

// New assembles a tool server. Every descriptor is checked and its input
// schema compiled here, so a malformed tool fails startup instead of the
// first request.
func New(cfg *config.Config, regs []Registration, logger *observability.Logger, metrics *observability.Metrics) (*Server, error) {
	if cfg.Server.Name == "" {
		return nil, errors.New("toolserver: server name missing from config")
	}

	s := &Server{
		name:    cfg.Server.Name,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		tools:   make(map[string]*registeredTool, len(regs)),
	}

	for _, reg := range regs {
		desc := reg.Tool.Descriptor()
		if desc.Name == "" {
			return nil, errors.New("toolserver: tool with empty name")
		}
		if _, dup := s.tools[desc.Name]; dup {
			return nil, fmt.Errorf("toolserver: duplicate tool %q", desc.Name)
		}
		if len(desc.RequiredRoles) == 0 {
			return nil, fmt.Errorf("toolserver: tool %q lists no required roles", desc.Name)
		}
		if desc.Destructive {
			if desc.ReadOnly {
				return nil, fmt.Errorf("toolserver: tool %q is both read-only and destructive", desc.Name)
			}
			if _, ok := reg.Tool.(DestructiveTool); !ok {
				return nil, fmt.Errorf("toolserver: destructive tool %q does not implement Execute", desc.Name)
			}
		}
		schema, err := compileSchema(desc.Name, desc.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("toolserver: %w", err)
		}
		desc.Server = s.name
		s.tools[desc.Name] = &registeredTool{reg: reg, desc: desc, schema: schema}
		s.names = append(s.names, desc.Name)
	}
	sort.Strings(s.names)

	return s, nil
}

// Handler builds the route table. Split from Start so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tools/discover", s.handleDiscover)
	mux.HandleFunc("/tools/", s.handleInvoke)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return s.observed(mux)
}

// Start listens and serves in a background goroutine, mirroring the
// gateway's startup shape.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.Server.ReadTimeout,
		WriteTimeout:      s.config.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("toolserver listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "tool server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "tool server listening",
		"server", s.name,
		"addr", addr,
		"tools", len(s.tools))
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx (or 5 s when ctx carries no deadline).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed,
			envelope.NewError(envelope.CodeProtocolViolation, "Discovery uses POST."))
		return
	}
	tools := make([]envelope.ToolDescriptor, 0, len(s.names))
	for _, name := range s.names {
		tools = append(tools, s.tools[name].desc)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope.DiscoveryResponse{Server: s.name, Tools: tools})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleInvoke runs the invocation pipeline. Once a tool is routed, every
// outcome is HTTP 200 with an envelope body; only an unknown tool name
// answers 404 (still with an envelope), since the gateway never routes one.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed,
			envelope.NewError(envelope.CodeProtocolViolation, "Tool invocation uses POST."))
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/tools/")
	rt, ok := s.tools[name]
	if !ok || strings.Contains(name, "/") {
		s.metrics.RecordError("toolserver", "unknown_tool")
		writeEnvelope(w, http.StatusNotFound,
			envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No tool named %q on this server.", name)))
		return
	}

	start := time.Now()
	resp := s.invoke(w, r, rt)
	s.metrics.RecordToolDispatch(name, s.name, string(resp.Status()), time.Since(start).Seconds())
	writeEnvelope(w, http.StatusOK, resp)
}

// invoke applies the pipeline order: caller context, schema validation,
// role check, tool body, redaction. The returned envelope is never nil.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request, rt *registeredTool) *envelope.ToolResponse {
	ctx := observability.AddTool(r.Context(), rt.desc.Name)
	ctx = observability.AddServer(ctx, s.name)

	cc, err := caller.FromHeaders(r.Header)
	if err != nil {
		s.logger.Warn(ctx, "rejecting call without caller context", "error", err)
		s.metrics.RecordError("toolserver", "invalid_context")
		return envelope.NewError(envelope.CodeInvalidContext, "Caller identity headers are missing or incomplete.")
	}
	ctx = observability.AddUserID(ctx, cc.UserID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInvokeBytes))
	if err != nil {
		return envelope.NewError(envelope.CodeValidationError, "Arguments could not be read.").
			WithTechnicalDetails(err.Error())
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	if ok, message := validateInput(rt.schema, body); !ok {
		s.metrics.RecordError("toolserver", "validation_failed")
		return envelope.NewError(envelope.CodeValidationError, message)
	}

	if !cc.CanInvoke(rt.desc.RequiredRoles, rt.desc.ReadOnly) {
		s.logger.Warn(ctx, "tool call refused for missing role", "roles", strings.Join(cc.Roles, ","))
		s.metrics.RecordPermissionDenial(rt.desc.Name)
		return envelope.NewError(envelope.CodeInsufficientPermissions,
			fmt.Sprintf("You do not have the roles required for %s.", rt.desc.Name))
	}

	resp, err := rt.reg.Tool.Invoke(ctx, &Request{Caller: cc, Input: body})
	if err != nil || resp == nil {
		s.logger.Error(ctx, "tool invocation failed", "error", err)
		s.metrics.RecordError("toolserver", "tool_failure")
		return envelope.NewError(envelope.CodeOperationFailed, "The operation could not be completed. Try again.")
	}

	return s.redacted(ctx, resp, rt.reg.Redact, cc)
}

// handleExecute replays an approved confirmation payload: caller context,
// destructive-tool lookup, originator check, role re-check, then the
// mutation. Outcomes are HTTP 200 envelopes so the gateway relays the real
// error code instead of synthesizing a transport failure.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed,
			envelope.NewError(envelope.CodeProtocolViolation, "Execution uses POST."))
		return
	}

	start := time.Now()
	resp, action := s.execute(w, r)
	if action == "" {
		action = "execute"
	}
	s.metrics.RecordToolDispatch(action, s.name, string(resp.Status()), time.Since(start).Seconds())
	writeEnvelope(w, http.StatusOK, resp)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) (*envelope.ToolResponse, string) {
	ctx := observability.AddServer(r.Context(), s.name)

	cc, err := caller.FromHeaders(r.Header)
	if err != nil {
		s.logger.Warn(ctx, "rejecting execution without caller context", "error", err)
		s.metrics.RecordError("toolserver", "invalid_context")
		return envelope.NewError(envelope.CodeInvalidContext, "Caller identity headers are missing or incomplete."), ""
	}
	ctx = observability.AddUserID(ctx, cc.UserID)

	var payload map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInvokeBytes)).Decode(&payload); err != nil {
		return envelope.NewError(envelope.CodeValidationError, "Execute payload must be a JSON object.").
			WithTechnicalDetails(err.Error()), ""
	}

	action, _ := payload["action"].(string)
	if action == "" {
		return envelope.NewError(envelope.CodeValidationError, "Execute payload is missing its action tag."), ""
	}
	ctx = observability.AddTool(ctx, action)

	rt, ok := s.tools[action]
	if !ok {
		s.metrics.RecordError("toolserver", "unknown_action")
		return envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No action named %q on this server.", action)), action
	}
	dt, destructive := rt.reg.Tool.(DestructiveTool)
	if !rt.desc.Destructive || !destructive {
		s.metrics.RecordError("toolserver", "not_destructive")
		return envelope.NewError(envelope.CodeProtocolViolation, "This action does not take confirmations.").
			WithTechnicalDetails(fmt.Sprintf("tool %q is not destructive", action)), action
	}

	originator, _ := payload["user_id"].(string)
	if originator == "" || originator != cc.UserID {
		s.logger.Warn(ctx, "execution refused for originator mismatch", "originator", originator)
		s.metrics.RecordError("toolserver", "user_mismatch")
		return envelope.NewError(envelope.CodeUserMismatch, "Only the user who initiated this action can execute it."), action
	}

	if !cc.CanInvoke(rt.desc.RequiredRoles, false) {
		s.logger.Warn(ctx, "execution refused for missing role", "roles", strings.Join(cc.Roles, ","))
		s.metrics.RecordPermissionDenial(rt.desc.Name)
		return envelope.NewError(envelope.CodeInsufficientPermissions,
			fmt.Sprintf("You no longer have the roles required for %s.", rt.desc.Name)), action
	}

	resp, err := dt.Execute(ctx, &ExecuteRequest{Caller: cc, Action: action, Data: payload})
	if err != nil || resp == nil {
		s.logger.Error(ctx, "confirmed execution failed", "error", err)
		s.metrics.RecordError("toolserver", "tool_failure")
		return envelope.NewError(envelope.CodeOperationFailed, "The operation could not be completed. Try again."), action
	}

	return s.redacted(ctx, resp, rt.reg.Redact, cc), action
}

// redacted applies a tool's field policies to a success payload. A
// redaction failure is answered as an error rather than risking an
// unmasked payload on the wire.
func (s *Server) redacted(ctx context.Context, resp *envelope.ToolResponse, policies []FieldPolicy, cc caller.Context) *envelope.ToolResponse {
	if !resp.IsSuccess() || len(policies) == 0 {
		return resp
	}
	data, err := redactData(resp.Data(), policies, cc)
	if err != nil {
		s.logger.Error(ctx, "redaction failed", "error", err)
		s.metrics.RecordError("toolserver", "redaction_failed")
		return envelope.NewError(envelope.CodeOperationFailed, "The result could not be prepared.")
	}
	out, err := envelope.SuccessPage(data, resp.Pagination())
	if err != nil {
		s.logger.Error(ctx, "redaction failed", "error", err)
		return envelope.NewError(envelope.CodeOperationFailed, "The result could not be prepared.")
	}
	return out
}

// observed tags each request with a correlation id, reusing the gateway's
// when it forwarded one, and records duration and status.
func (s *Server) observed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := r.Header.Get(caller.HeaderCorrelation)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		ctx := observability.AddCorrelationID(r.Context(), correlationID)
		w.Header().Set(caller.HeaderCorrelation, correlationID)

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		s.metrics.RecordHTTPRequest(r.Method, s.routePattern(r.URL.Path), strconv.Itoa(wrapped.status), time.Since(start).Seconds())
		s.logger.Debug(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// routePattern keeps metric label cardinality bounded: tool names are a
// small fixed roster, everything else collapses.
func (s *Server) routePattern(path string) string {
	switch {
	case path == "/tools/discover" || path == "/execute" || path == "/health" || path == "/metrics":
		return path
	case strings.HasPrefix(path, "/tools/"):
		if _, ok := s.tools[strings.TrimPrefix(path, "/tools/")]; ok {
			return path
		}
		return "/tools/{name}"
	default:
		return "other"
	}
}

func writeEnvelope(w http.ResponseWriter, status int, resp *envelope.ToolResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
