package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Query turns through the gateway and their outcomes
//   - LLM request performance and token consumption
//   - Tool dispatch patterns and latencies per backend server
//   - Permission denials and confirmation outcomes
//   - Error rates categorized by type and component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolDispatch("list_employees", "hr", "success", time.Since(start).Seconds())
type Metrics struct {
	// QueryCounter tracks query turns by outcome.
	// Labels: status (success|error|rate_limited|unauthorized)
	QueryCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider (anthropic|openai), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolDispatchCounter counts tool dispatches.
	// Labels: tool_name, server, status (success|error|pending)
	ToolDispatchCounter *prometheus.CounterVec

	// ToolDispatchDuration measures tool dispatch round-trip time in seconds.
	// Labels: tool_name, server
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolDispatchDuration *prometheus.HistogramVec

	// PermissionDenials counts tool calls refused for missing roles.
	// Labels: tool_name
	PermissionDenials *prometheus.CounterVec

	// ConfirmationCounter counts two-phase confirmation lifecycle events.
	// Labels: outcome (requested|approved|denied|expired|mismatch)
	ConfirmationCounter *prometheus.CounterVec

	// RateLimitedCounter counts requests rejected by rate limiting.
	// Labels: limit (general|query)
	RateLimitedCounter *prometheus.CounterVec

	// ActiveStreams is a gauge tracking SSE streams currently open.
	ActiveStreams prometheus.Gauge

	// RevocationAge tracks the age of the revocation snapshot in seconds.
	RevocationAge prometheus.Gauge

	// ErrorCounter tracks errors by type and component.
	// Labels: component (gateway|agent|dispatch|toolserver), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with Prometheus's
// default registry. This should be called once at application startup; the
// metrics are served by the promhttp handler at /metrics.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics against the given registerer. Tests
// pass a fresh prometheus.NewRegistry so repeated construction does not
// collide with the default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_queries_total",
				Help: "Total number of query turns by outcome",
			},
			[]string{"status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolDispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_tool_dispatches_total",
				Help: "Total number of tool dispatches by tool, server, and status",
			},
			[]string{"tool_name", "server", "status"},
		),

		ToolDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_tool_dispatch_duration_seconds",
				Help:    "Round-trip duration of tool dispatches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name", "server"},
		),

		PermissionDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_permission_denials_total",
				Help: "Total number of tool calls refused for missing roles",
			},
			[]string{"tool_name"},
		),

		ConfirmationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_confirmations_total",
				Help: "Total number of two-phase confirmation resolutions by outcome",
			},
			[]string{"outcome"},
		),

		RateLimitedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_rate_limited_total",
				Help: "Total number of requests rejected by rate limiting",
			},
			[]string{"limit"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "atrium_active_streams",
				Help: "Current number of open SSE streams",
			},
		),

		RevocationAge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "atrium_revocation_snapshot_age_seconds",
				Help: "Age of the in-memory revocation snapshot in seconds",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordQuery increments the query counter for a given outcome.
//
// Example:
//
//	metrics.RecordQuery("success")
func (m *Metrics) RecordQuery(status string) {
	m.QueryCounter.WithLabelValues(status).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolDispatch records metrics for one tool dispatch round trip.
//
// Example:
//
//	start := time.Now()
//	// ... dispatch tool ...
//	metrics.RecordToolDispatch("list_employees", "hr", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolDispatch(toolName, server, status string, durationSeconds float64) {
	m.ToolDispatchCounter.WithLabelValues(toolName, server, status).Inc()
	m.ToolDispatchDuration.WithLabelValues(toolName, server).Observe(durationSeconds)
}

// RecordPermissionDenial increments the denial counter for a tool.
func (m *Metrics) RecordPermissionDenial(toolName string) {
	m.PermissionDenials.WithLabelValues(toolName).Inc()
}

// RecordConfirmation records a pending confirmation lifecycle event.
//
// Example:
//
//	metrics.RecordConfirmation("approved")
//	metrics.RecordConfirmation("expired")
func (m *Metrics) RecordConfirmation(outcome string) {
	m.ConfirmationCounter.WithLabelValues(outcome).Inc()
}

// RecordRateLimited increments the rate-limit counter for a limit class.
func (m *Metrics) RecordRateLimited(limit string) {
	m.RateLimitedCounter.WithLabelValues(limit).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// SetRevocationAge updates the revocation snapshot age gauge.
func (m *Metrics) SetRevocationAge(seconds float64) {
	m.RevocationAge.Set(seconds)
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("agent", "api_timeout")
//	metrics.RecordError("dispatch", "protocol_violation")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
//
// Example:
//
//	start := time.Now()
//	// ... handle HTTP request ...
//	metrics.RecordHTTPRequest("POST", "/query", "200", time.Since(start).Seconds())
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
