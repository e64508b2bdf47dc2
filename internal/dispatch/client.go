package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/internal/pending"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/envelope"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// maxEnvelopeBytes bounds how much of a tool server response the
	// gateway will buffer.
	maxEnvelopeBytes = 4 << 20
)

// Client invokes tools on their owning servers. Transport failures never
// propagate as Go errors; they are synthesized into error envelopes so a
// dead backend degrades one tool call, not the whole query.
type Client struct {
	registry     *Registry
	httpClient   *http.Client
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// NewClient creates a dispatch client. Non-positive timeouts fall back
// to 5s for read tools and 10s for write tools.
func NewClient(registry *Registry, readTimeout, writeTimeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Client {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Client{
		registry:     registry,
		httpClient:   &http.Client{},
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Invoke calls the named tool with the given JSON arguments on behalf of
// the caller. The returned envelope is always non-nil.
func (c *Client) Invoke(ctx context.Context, cc caller.Context, name string, args []byte) *envelope.ToolResponse {
	desc, ref, err := c.registry.Route(name)
	if err != nil {
		return envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No tool named %q is available.", name)).
			WithTechnicalDetails(err.Error())
	}

	ctx = observability.AddTool(ctx, name)
	ctx = observability.AddServer(ctx, ref.Name)

	timeout := c.readTimeout
	if !desc.ReadOnly {
		timeout = c.writeTimeout
	}

	endpoint, err := url.JoinPath(ref.URL, "tools", name)
	if err != nil {
		return envelope.NewError(envelope.CodeUpstreamError, "The tool server address is invalid.").
			WithTechnicalDetails(err.Error())
	}

	if len(args) == 0 {
		args = []byte("{}")
	}

	start := time.Now()
	resp := c.post(ctx, cc, endpoint, args, timeout)
	c.observe(ctx, name, ref.Name, resp, time.Since(start))
	return resp
}

// Execute replays a stored confirmation payload to the originating
// server's execute endpoint. Always treated as a write for timeout
// purposes.
func (c *Client) Execute(ctx context.Context, cc caller.Context, action *pending.Action) *envelope.ToolResponse {
	ref, ok := c.registry.Server(action.Server)
	if !ok {
		return envelope.NewError(envelope.CodeUpstreamError, "The server that issued this confirmation is no longer configured.").
			WithTechnicalDetails(fmt.Sprintf("server %q not in registry", action.Server))
	}

	ctx = observability.AddTool(ctx, action.Action)
	ctx = observability.AddServer(ctx, ref.Name)

	endpoint, err := url.JoinPath(ref.URL, "execute")
	if err != nil {
		return envelope.NewError(envelope.CodeUpstreamError, "The tool server address is invalid.").
			WithTechnicalDetails(err.Error())
	}

	start := time.Now()
	resp := c.post(ctx, cc, endpoint, action.Data, c.writeTimeout)
	c.observe(ctx, action.Action, ref.Name, resp, time.Since(start))
	return resp
}

// post issues one envelope-bearing request. Tool servers answer 200 for
// every well-formed envelope, including error envelopes; anything else
// is a transport-level failure and is synthesized here.
func (c *Client) post(ctx context.Context, cc caller.Context, endpoint string, payload []byte, timeout time.Duration) *envelope.ToolResponse {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return envelope.NewError(envelope.CodeUpstreamError, "The tool server could not be called.").
			WithTechnicalDetails(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	cc.SetHeaders(req.Header)
	if cid := observability.GetCorrelationID(ctx); cid != "" {
		req.Header.Set(caller.HeaderCorrelation, cid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return envelope.NewError(envelope.CodeTimeout, "The tool call timed out.").
				WithSuggestedAction("Try again; the backend may be under load.").
				WithTechnicalDetails(err.Error())
		}
		return envelope.NewError(envelope.CodeUpstreamError, "The tool server is unreachable.").
			WithSuggestedAction("Try again shortly.").
			WithTechnicalDetails(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return envelope.NewError(envelope.CodeUpstreamError, "The tool server returned an unexpected response.").
			WithTechnicalDetails(fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return envelope.NewError(envelope.CodeUpstreamError, "The tool server response could not be read.").
			WithTechnicalDetails(err.Error())
	}

	env, err := envelope.Decode(data)
	if err != nil {
		return envelope.NewError(envelope.CodeProtocolViolation, "The tool server returned a malformed response.").
			WithTechnicalDetails(err.Error())
	}
	return env
}

func (c *Client) observe(ctx context.Context, tool, server string, resp *envelope.ToolResponse, elapsed time.Duration) {
	c.metrics.RecordToolDispatch(tool, server, string(resp.Status()), elapsed.Seconds())
	if errInfo := resp.Err(); errInfo != nil {
		c.logger.Warn(ctx, "tool call returned error",
			"code", string(errInfo.Code),
			"detail", errInfo.TechnicalDetails,
			"duration_ms", elapsed.Milliseconds())
		return
	}
	c.logger.Debug(ctx, "tool call complete",
		"status", string(resp.Status()),
		"duration_ms", elapsed.Milliseconds())
}
