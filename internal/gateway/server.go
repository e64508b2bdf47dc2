// Package gateway is the HTTP edge of Atrium. It verifies bearer tokens,
// rate-limits by user, streams /query answers over SSE, and forwards
// confirmations of destructive actions to the tool servers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atriumhq/atrium/internal/agent"
	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/dispatch"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/internal/pending"
	"github.com/atriumhq/atrium/internal/ratelimit"
	"github.com/atriumhq/atrium/pkg/envelope"
)

// Server wires the gateway's HTTP surface to its collaborators. Build one
// with New, then Start it; Shutdown drains in-flight requests.
type Server struct {
	config     *config.Config
	verifier   auth.Verifier
	revocation *auth.Set
	registry   *dispatch.Registry
	dispatcher *dispatch.Client
	pending    pending.Store
	provider   agent.LLMProvider
	logger     *observability.Logger
	metrics    *observability.Metrics

	generalLimiter *ratelimit.Limiter
	queryLimiter   *ratelimit.Limiter

	httpServer *http.Server
	listener   net.Listener
}

// New assembles a gateway server from its parts. All collaborators are
// required; the rate limiters are built here from config.
func New(
	cfg *config.Config,
	verifier auth.Verifier,
	revocation *auth.Set,
	registry *dispatch.Registry,
	dispatcher *dispatch.Client,
	store pending.Store,
	provider agent.LLMProvider,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		config:     cfg,
		verifier:   verifier,
		revocation: revocation,
		registry:   registry,
		dispatcher: dispatcher,
		pending:    store,
		provider:   provider,
		logger:     logger,
		metrics:    metrics,
		generalLimiter: ratelimit.NewLimiter(ratelimit.Config{
			PerMinute: cfg.RateLimit.GeneralPerMinute,
			Enabled:   true,
		}),
		queryLimiter: ratelimit.NewLimiter(ratelimit.Config{
			PerMinute: cfg.RateLimit.QueryPerMinute,
			Enabled:   true,
		}),
	}
}

// Handler builds the full route table with the middleware chain applied.
// Split from Start so tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Authenticated surface. Rate limiting sits inside auth so buckets key
	// on the verified user id, never on anything an attacker controls.
	// Queries count against the general budget and their own tier.
	query := s.rateLimited(s.queryLimiter, "query", http.HandlerFunc(s.handleQuery))
	mux.Handle("/query", s.authenticated(s.rateLimited(s.generalLimiter, "general", query)))
	mux.Handle("/confirm/", s.authenticated(s.rateLimited(s.generalLimiter, "general", http.HandlerFunc(s.handleConfirm))))
	mux.Handle("/tools", s.authenticated(s.rateLimited(s.generalLimiter, "general", http.HandlerFunc(s.handleTools))))

	var handler http.Handler = mux
	handler = s.observed(handler)
	handler = s.cors(handler)
	return handler
}

// Start listens and serves in a background goroutine. Serve errors other
// than graceful close are logged; the listener error is returned so a bad
// port fails startup synchronously.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.Server.ReadTimeout,
		// WriteTimeout must outlast the 90 s query budget or the server
		// kills healthy streams; config default leaves headroom.
		WriteTimeout: s.config.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "gateway server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "gateway listening",
		"addr", addr,
		"tool_servers", len(s.config.ToolServers),
		"llm_provider", s.provider.Name())
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, envelope.CodeValidationError, "Use GET.")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// errorBody is the JSON error shape for non-streamed failures (auth, rate
// limit, malformed request). Stream-level failures use the error SSE event
// instead.
type errorBody struct {
	Code    envelope.Code `json:"code"`
	Message string        `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code envelope.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
