// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Session durations run from seconds to hours.
var sessionBuckets = []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	WebSocketSessionsActive prometheus.Gauge
	WebSocketSessions       *prometheus.CounterVec
	WebSocketSessionSeconds prometheus.Histogram
	WebSocketMessages       *prometheus.CounterVec

	ConfigReloads    *prometheus.CounterVec
	ConfigGeneration prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_upstream_errors_total",
			Help: "Upstream requests that produced no response, by kind.",
		}, []string{"kind"}),

		WebSocketSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_proxy_websocket_sessions_active",
			Help: "Relayed WebSocket sessions currently open.",
		}),

		WebSocketSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_websocket_sessions_total",
			Help: "Relayed WebSocket sessions by outcome.",
		}, []string{"result"}),

		WebSocketSessionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cors_proxy_websocket_session_duration_seconds",
			Help:    "Lifetime of relayed WebSocket sessions in seconds.",
			Buckets: sessionBuckets,
		}),

		WebSocketMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_websocket_messages_total",
			Help: "Relayed WebSocket messages by direction and frame type.",
		}, []string{"direction", "type"}),

		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_config_reloads_total",
			Help: "Configuration reload attempts by result.",
		}, []string{"result"}),

		ConfigGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_proxy_config_generation",
			Help: "Generation of the configuration snapshot in effect.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.WebSocketSessionsActive,
		m.WebSocketSessions,
		m.WebSocketSessionSeconds,
		m.WebSocketMessages,
		m.ConfigReloads,
		m.ConfigGeneration,
	)

	return m
}

// ObserveReload records one reload attempt. generation is ignored on failure.
func (m *Metrics) ObserveReload(generation uint64, err error) {
	if err != nil {
		m.ConfigReloads.WithLabelValues("failure").Inc()
		return
	}
	m.ConfigReloads.WithLabelValues("success").Inc()
	m.ConfigGeneration.Set(float64(generation))
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes are the proxy's own routes; all other paths belong to the upstream.
var knownPrefixes = []string{"/_proxy/healthz", "/_proxy/status", "/_proxy/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "upstream"
}
