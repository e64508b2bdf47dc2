// Package dispatch discovers tools from the configured tool servers and
// routes invocations to them. The registry is populated once at gateway
// startup; every later permission and routing decision reads from it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/envelope"
)

const (
	defaultDiscoveryTimeout = 30 * time.Second

	// Discovery retries cover the window where a tool server starting in
	// parallel with the gateway has not bound its listener yet.
	discoveryAttempts   = 3
	discoveryRetryDelay = 250 * time.Millisecond
)

// Registry maps tool names to their descriptors and owning servers.
type Registry struct {
	refs       map[string]config.ToolServerRef
	httpClient *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu    sync.RWMutex
	tools map[string]envelope.ToolDescriptor
	names []string
}

// NewRegistry creates a registry over the configured tool servers.
// Call Discover before routing anything through it.
func NewRegistry(servers []config.ToolServerRef, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	refs := make(map[string]config.ToolServerRef, len(servers))
	for _, ref := range servers {
		refs[ref.Name] = ref
	}
	return &Registry{
		refs:       refs,
		httpClient: &http.Client{},
		logger:     logger,
		metrics:    metrics,
		tools:      make(map[string]envelope.ToolDescriptor),
	}
}

// Discover polls every configured server's discovery endpoint and
// rebuilds the tool table. Unreachable servers are logged and skipped so
// one dead backend does not block startup; Discover fails only when no
// server answered at all or two servers claim the same tool name.
func (r *Registry) Discover(ctx context.Context) error {
	type result struct {
		ref   config.ToolServerRef
		tools []envelope.ToolDescriptor
		err   error
	}

	results := make([]result, 0, len(r.refs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ref := range r.refs {
		wg.Add(1)
		go func(ref config.ToolServerRef) {
			defer wg.Done()
			tools, err := r.discoverServer(ctx, ref)
			mu.Lock()
			results = append(results, result{ref: ref, tools: tools, err: err})
			mu.Unlock()
		}(ref)
	}
	wg.Wait()

	tools := make(map[string]envelope.ToolDescriptor)
	reachable := 0
	for _, res := range results {
		if res.err != nil {
			r.logger.Warn(ctx, "tool server discovery failed",
				"server", res.ref.Name,
				"url", res.ref.URL,
				"error", res.err)
			r.metrics.RecordError("dispatch", "discovery_failed")
			continue
		}
		reachable++
		for _, desc := range res.tools {
			if desc.Name == "" {
				r.logger.Warn(ctx, "skipping unnamed tool descriptor", "server", res.ref.Name)
				continue
			}
			if len(desc.RequiredRoles) == 0 {
				r.logger.Warn(ctx, "skipping tool with no role requirement",
					"server", res.ref.Name,
					"tool", desc.Name)
				continue
			}
			if prev, ok := tools[desc.Name]; ok {
				return fmt.Errorf("tool %q registered by both %s and %s", desc.Name, prev.Server, res.ref.Name)
			}
			// The configured server name is authoritative for routing.
			desc.Server = res.ref.Name
			tools[desc.Name] = desc
		}
	}

	if reachable == 0 && len(r.refs) > 0 {
		return fmt.Errorf("no tool server reachable out of %d configured", len(r.refs))
	}

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	r.mu.Lock()
	r.tools = tools
	r.names = names
	r.mu.Unlock()

	r.logger.Info(ctx, "tool discovery complete",
		"servers", reachable,
		"tools", len(tools))
	return nil
}

// discoverServer polls one server with bounded retries and doubling delay.
func (r *Registry) discoverServer(ctx context.Context, ref config.ToolServerRef) ([]envelope.ToolDescriptor, error) {
	var lastErr error
	delay := discoveryRetryDelay
	for attempt := 0; attempt < discoveryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		tools, err := r.fetchDescriptors(ctx, ref)
		if err == nil {
			return tools, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Registry) fetchDescriptors(ctx context.Context, ref config.ToolServerRef) ([]envelope.ToolDescriptor, error) {
	timeout := ref.Timeout
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint, err := url.JoinPath(ref.URL, "tools", "discover")
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptors: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("discovery returned %d: %s", resp.StatusCode, string(body))
	}

	var discovery envelope.DiscoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return nil, fmt.Errorf("decode descriptors: %w", err)
	}
	return discovery.Tools, nil
}

// Tool returns the descriptor registered under name.
func (r *Registry) Tool(name string) (envelope.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// Tools returns every registered descriptor, sorted by name.
func (r *Registry) Tools() []envelope.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]envelope.ToolDescriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// ToolsFor returns the descriptors the caller's roles allow, sorted by
// name. This is the caller's tool allow-list; the same filter gates
// tool-call requests coming back from the LLM.
func (r *Registry) ToolsFor(c caller.Context) []envelope.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]envelope.ToolDescriptor, 0, len(r.names))
	for _, name := range r.names {
		desc := r.tools[name]
		if c.CanInvoke(desc.RequiredRoles, desc.ReadOnly) {
			out = append(out, desc)
		}
	}
	return out
}

// Server returns the configured reference for a server name.
func (r *Registry) Server(name string) (config.ToolServerRef, bool) {
	ref, ok := r.refs[name]
	return ref, ok
}

// Route resolves a tool name to its descriptor and owning server.
func (r *Registry) Route(name string) (envelope.ToolDescriptor, config.ToolServerRef, error) {
	desc, ok := r.Tool(name)
	if !ok {
		return envelope.ToolDescriptor{}, config.ToolServerRef{}, fmt.Errorf("unknown tool %q", name)
	}
	ref, ok := r.Server(desc.Server)
	if !ok {
		return envelope.ToolDescriptor{}, config.ToolServerRef{}, fmt.Errorf("tool %q maps to unconfigured server %q", name, desc.Server)
	}
	return desc, ref, nil
}
