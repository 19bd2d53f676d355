// Package telemetry provides Prometheus metrics for the gateway.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway. A nil *Metrics is
// valid and records nothing, so components can run unwired in tests.
type Metrics struct {
	// JSON-RPC engine
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Upstream MCP calls
	UpstreamCalls    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	// Credentials
	TokenRefreshes *prometheus.CounterVec

	// Tool search
	ToolSearchDuration prometheus.Histogram

	// Catalog sync
	SyncRuns         *prometheus.CounterVec
	SyncToolsChanged *prometheus.CounterVec

	// Virtual execution
	VirtualExecutions *prometheus.CounterVec

	// Sessions
	ActiveSessions prometheus.Gauge

	// Embeddings
	EmbeddingRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. A nil registry registers on
// the process-wide default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_rpc_requests_total",
				Help: "Total JSON-RPC requests on the gateway endpoint",
			},
			[]string{"method", "status"},
		),

		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_rpc_request_duration_seconds",
				Help:    "JSON-RPC request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),

		UpstreamCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_upstream_calls_total",
				Help: "Total calls to upstream MCP servers",
			},
			[]string{"server", "method", "status"},
		),

		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_upstream_call_duration_seconds",
				Help:    "Upstream MCP call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server"},
		),

		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_token_refreshes_total",
				Help: "Total OAuth2 token refreshes",
			},
			[]string{"outcome"},
		),

		ToolSearchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mcpgate_tool_search_duration_seconds",
				Help:    "Tool search duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_sync_runs_total",
				Help: "Total catalog sync runs",
			},
			[]string{"server", "outcome"},
		),

		SyncToolsChanged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_sync_tools_changed_total",
				Help: "Total tools created, updated or deleted by sync",
			},
			[]string{"server", "change"},
		),

		VirtualExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_virtual_executions_total",
				Help: "Total virtual tool executions",
			},
			[]string{"server", "kind", "status"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpgate_active_sessions",
				Help: "Number of live gateway sessions",
			},
		),

		EmbeddingRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_embedding_requests_total",
				Help: "Total embedding provider requests",
			},
			[]string{"provider", "status"},
		),
	}
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusLabel maps an error onto the ok/error status label
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRPC records one JSON-RPC request on the gateway endpoint
func (m *Metrics) RecordRPC(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordUpstreamCall records one call against an upstream MCP server
func (m *Metrics) RecordUpstreamCall(server, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamCalls.WithLabelValues(server, method, status).Inc()
	m.UpstreamDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// RecordTokenRefresh records an OAuth2 refresh outcome
func (m *Metrics) RecordTokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveToolSearch records one tool search duration
func (m *Metrics) ObserveToolSearch(duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolSearchDuration.Observe(duration.Seconds())
}

// RecordSyncRun records the outcome of one catalog sync run
func (m *Metrics) RecordSyncRun(server, outcome string) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(server, outcome).Inc()
}

// RecordSyncChange records catalog mutations applied by a sync run
func (m *Metrics) RecordSyncChange(server, change string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncToolsChanged.WithLabelValues(server, change).Add(float64(n))
}

// RecordVirtualExecution records one virtual tool execution
func (m *Metrics) RecordVirtualExecution(server, kind, status string) {
	if m == nil {
		return
	}
	m.VirtualExecutions.WithLabelValues(server, kind, status).Inc()
}

// SessionOpened bumps the live session gauge
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionsClosed drops the live session gauge by n
func (m *Metrics) SessionsClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ActiveSessions.Sub(float64(n))
}

// RecordEmbedding records one embedding provider request
func (m *Metrics) RecordEmbedding(provider, status string) {
	if m == nil {
		return
	}
	m.EmbeddingRequests.WithLabelValues(provider, status).Inc()
}
