package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atriumhq/atrium/internal/agent"
	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/dispatch"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/internal/pending"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/envelope"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func testMetrics() *observability.Metrics {
	return observability.NewMetricsWith(prometheus.NewRegistry())
}

// Tokens the fake verifier accepts.
const (
	tokenReader  = "reader-token"  // hr-read
	tokenWriter  = "writer-token"  // hr-write
	tokenRevoked = "revoked-token" // valid signature, revoked jti
	tokenOddball = "oddball-token" // only unrecognized role tags
)

// fakeVerifier resolves fixed bearer tokens to caller identities.
type fakeVerifier struct {
	callers map[string]caller.Context
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (caller.Context, error) {
	if cc, ok := f.callers[token]; ok {
		return cc, nil
	}
	return caller.Context{}, auth.ErrInvalidToken
}

type staticRevocations struct {
	ids []string
}

func (s *staticRevocations) ListRevoked(context.Context) ([]string, error) {
	return s.ids, nil
}

// scriptedProvider replays one chunk slice per Complete call. With
// blockUntilCancel set it parks until the context dies, for budget tests.
type scriptedProvider struct {
	turns            [][]agent.CompletionChunk
	requests         []*agent.CompletionRequest
	blockUntilCancel bool
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.requests = append(p.requests, req)
	call := len(p.requests) - 1

	ch := make(chan *agent.CompletionChunk, 16)
	go func() {
		defer close(ch)
		if p.blockUntilCancel {
			<-ctx.Done()
			ch <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		}
		if call >= len(p.turns) {
			ch <- &agent.CompletionChunk{Done: true}
			return
		}
		for i := range p.turns[call] {
			ch <- &p.turns[call][i]
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type recordedCall struct {
	path   string
	body   []byte
	header http.Header
}

// toolBackend fakes one tool server: discovery, scripted per-tool
// envelopes, and an execute endpoint, recording everything it serves.
type toolBackend struct {
	name        string
	tools       []envelope.ToolDescriptor
	responses   map[string]*envelope.ToolResponse
	executeResp *envelope.ToolResponse
	srv         *httptest.Server

	mu       sync.Mutex
	invoked  []recordedCall
	executed []recordedCall
}

func newToolBackend(t *testing.T, name string, tools []envelope.ToolDescriptor) *toolBackend {
	t.Helper()
	b := &toolBackend{
		name:      name,
		tools:     tools,
		responses: make(map[string]*envelope.ToolResponse),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *toolBackend) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := recordedCall{path: r.URL.Path, body: body, header: r.Header.Clone()}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/tools/discover":
		_ = json.NewEncoder(w).Encode(envelope.DiscoveryResponse{Server: b.name, Tools: b.tools})

	case strings.HasPrefix(r.URL.Path, "/tools/"):
		b.mu.Lock()
		b.invoked = append(b.invoked, rec)
		resp := b.responses[strings.TrimPrefix(r.URL.Path, "/tools/")]
		b.mu.Unlock()
		if resp == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)

	case r.URL.Path == "/execute":
		b.mu.Lock()
		b.executed = append(b.executed, rec)
		resp := b.executeResp
		b.mu.Unlock()
		if resp == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *toolBackend) invokedCalls() []recordedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedCall(nil), b.invoked...)
}

func (b *toolBackend) executedCalls() []recordedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedCall(nil), b.executed...)
}

func hrToolSet() []envelope.ToolDescriptor {
	return []envelope.ToolDescriptor{
		{
			Name:          "list_employees",
			Description:   "List employees",
			InputSchema:   json.RawMessage(`{"type":"object"}`),
			RequiredRoles: []string{caller.RoleHRRead},
			ReadOnly:      true,
		},
		{
			Name:          "delete_employee",
			Description:   "Delete an employee record",
			InputSchema:   json.RawMessage(`{"type":"object"}`),
			RequiredRoles: []string{caller.RoleHRWrite},
			Destructive:   true,
		},
	}
}

// testGateway bundles a fully wired Server with handles to its fakes.
type testGateway struct {
	server   *Server
	handler  http.Handler
	provider *scriptedProvider
	store    pending.Store
	backend  *toolBackend
	cfg      *config.Config
}

func newTestGateway(t *testing.T, opts ...func(*config.Config)) *testGateway {
	t.Helper()

	backend := newToolBackend(t, "hr", hrToolSet())

	cfg := &config.Config{
		Server:      config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Timeouts:    config.TimeoutConfig{ToolRead: 2 * time.Second, ToolWrite: 2 * time.Second, RequestTotal: 5 * time.Second},
		RateLimit:   config.RateLimitConfig{GeneralPerMinute: 1000, QueryPerMinute: 1000},
		LLM:         config.LLMConfig{Provider: "scripted", Model: "test-model", MaxTokens: 512, MaxTurns: 5},
		ToolServers: []config.ToolServerRef{{Name: "hr", URL: backend.srv.URL, Timeout: 2 * time.Second}},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := testLogger()
	metrics := testMetrics()

	verifier := &fakeVerifier{callers: map[string]caller.Context{
		tokenReader: {
			UserID:     "u-reader",
			UserName:   "Rae Chen",
			Roles:      []string{caller.RoleHRRead},
			Department: "engineering",
			TokenID:    "jti-reader",
		},
		tokenWriter: {
			UserID:  "u-writer",
			Roles:   []string{caller.RoleHRRead, caller.RoleHRWrite},
			TokenID: "jti-writer",
		},
		tokenRevoked: {
			UserID:  "u-revoked",
			Roles:   []string{caller.RoleHRRead},
			TokenID: "jti-revoked",
		},
		tokenOddball: {
			UserID:  "u-oddball",
			Roles:   []string{"superadmin", caller.RoleHRRead},
			TokenID: "jti-oddball",
		},
	}}

	revocation := auth.NewSet(&staticRevocations{ids: []string{"jti-revoked"}}, time.Minute, true, logger, metrics)
	if err := revocation.Sync(context.Background()); err != nil {
		t.Fatalf("revocation sync: %v", err)
	}

	registry := dispatch.NewRegistry(cfg.ToolServers, logger, metrics)
	if err := registry.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	dispatcher := dispatch.NewClient(registry, cfg.Timeouts.ToolRead, cfg.Timeouts.ToolWrite, logger, metrics)
	store := pending.NewMemoryStore(time.Minute)
	provider := &scriptedProvider{}

	server := New(cfg, verifier, revocation, registry, dispatcher, store, provider, logger, metrics)
	return &testGateway{
		server:   server,
		handler:  server.Handler(),
		provider: provider,
		store:    store,
		backend:  backend,
		cfg:      cfg,
	}
}

// do runs one request through the full middleware chain. A string body is
// sent verbatim; anything else is marshaled to JSON.
func (g *testGateway) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	name string
	data string
}

// parseSSE splits a stream body into its events.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if block == "" {
			continue
		}
		lines := strings.SplitN(block, "\n", 2)
		if len(lines) != 2 {
			t.Fatalf("malformed SSE block: %q", block)
		}
		events = append(events, sseEvent{
			name: strings.TrimPrefix(lines[0], "event: "),
			data: strings.TrimPrefix(lines[1], "data: "),
		})
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.name
	}
	return names
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthRequiresNoAuth(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %q", got)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestToolsReturnsCallerAllowList(t *testing.T) {
	g := newTestGateway(t)

	tests := []struct {
		name  string
		token string
		want  []string
	}{
		{"reader sees read tools", tokenReader, []string{"list_employees"}},
		{"writer sees both", tokenWriter, []string{"delete_employee", "list_employees"}},
		{"unknown tags dropped, known kept", tokenOddball, []string{"list_employees"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.do(http.MethodGet, "/tools", tt.token, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var body struct {
				Tools []envelope.ToolDescriptor `json:"tools"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			names := make([]string, len(body.Tools))
			for i, d := range body.Tools {
				names[i] = d.Name
			}
			if len(names) != len(tt.want) {
				t.Fatalf("tools = %v, want %v", names, tt.want)
			}
			for i := range tt.want {
				if names[i] != tt.want[i] {
					t.Errorf("tools = %v, want %v", names, tt.want)
					break
				}
			}
		})
	}
}

func TestToolsMethodNotAllowed(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(http.MethodPost, "/tools", tokenReader, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	g := newTestGateway(t)
	if err := g.server.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
