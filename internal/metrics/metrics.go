// Package metrics exposes the gateway's Prometheus counters and gauges:
// HTTP request volume, upstream connection/reconciliation activity, session
// counts, and call_tool latencies. Modeled on the teacher's
// internal/observability.MetricsManager, scoped to this gateway's entities
// instead of mcpproxy's search-index/Docker-recovery metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every metric this gateway reports.
type Registry struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	upstreamsTotal     prometheus.Gauge
	upstreamsConnected prometheus.Gauge
	upstreamConnects   *prometheus.CounterVec
	reconcileDuration  *prometheus.HistogramVec

	sessionsActive prometheus.Gauge
	tokensActive   prometheus.Gauge

	callToolTotal    *prometheus.CounterVec
	callToolDuration *prometheus.HistogramVec
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcprouter_http_requests_total",
		Help: "Total number of HTTP requests served by the Gateway Server.",
	}, []string{"method", "path", "status"})

	r.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcprouter_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	r.upstreamsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcprouter_upstreams_total",
		Help: "Total number of configured upstream MCP servers.",
	})

	r.upstreamsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcprouter_upstreams_connected",
		Help: "Number of upstream MCP servers currently connected.",
	})

	r.upstreamConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcprouter_upstream_connects_total",
		Help: "Total number of upstream connect attempts.",
	}, []string{"upstream", "result"})

	r.reconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcprouter_reconcile_duration_seconds",
		Help:    "Time taken to reconcile an upstream's declared capabilities into the store.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"upstream"})

	r.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcprouter_sessions_active",
		Help: "Number of sessions currently held by the Session Layer.",
	})

	r.tokensActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcprouter_tokens_active",
		Help: "Number of enabled, unexpired bearer tokens.",
	})

	r.callToolTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcprouter_call_tool_total",
		Help: "Total number of call_tool dispatches by upstream, tool, and outcome.",
	}, []string{"upstream", "tool", "status"})

	r.callToolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcprouter_call_tool_duration_seconds",
		Help:    "call_tool dispatch duration in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"upstream", "tool", "status"})

	reg.MustRegister(
		r.httpRequests,
		r.httpDuration,
		r.upstreamsTotal,
		r.upstreamsConnected,
		r.upstreamConnects,
		r.reconcileDuration,
		r.sessionsActive,
		r.tokensActive,
		r.callToolTotal,
		r.callToolDuration,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return r
}

// Handler serves the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordHTTPRequest records one completed HTTP request.
func (r *Registry) RecordHTTPRequest(method, path, status string, d time.Duration) {
	r.httpRequests.WithLabelValues(method, path, status).Inc()
	r.httpDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

// SetUpstreamStats updates the upstream gauges.
func (r *Registry) SetUpstreamStats(total, connected int) {
	r.upstreamsTotal.Set(float64(total))
	r.upstreamsConnected.Set(float64(connected))
}

// RecordUpstreamConnect records one connect attempt's outcome.
func (r *Registry) RecordUpstreamConnect(upstream, result string) {
	r.upstreamConnects.WithLabelValues(upstream, result).Inc()
}

// RecordReconcile records one reconciliation pass's duration.
func (r *Registry) RecordReconcile(upstream string, d time.Duration) {
	r.reconcileDuration.WithLabelValues(upstream).Observe(d.Seconds())
}

// SetSessionsActive reports the Session Layer's current size.
func (r *Registry) SetSessionsActive(n int) {
	r.sessionsActive.Set(float64(n))
}

// SetTokensActive reports the count of enabled, unexpired tokens.
func (r *Registry) SetTokensActive(n int) {
	r.tokensActive.Set(float64(n))
}

// RecordCallTool records one call_tool dispatch's outcome and latency.
func (r *Registry) RecordCallTool(upstream, tool, status string, d time.Duration) {
	r.callToolTotal.WithLabelValues(upstream, tool, status).Inc()
	r.callToolDuration.WithLabelValues(upstream, tool, status).Observe(d.Seconds())
}

// statusWriter records the status code written through it, for
// HTTPMiddleware's status label.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request count/duration for every request it wraps.
func (r *Registry) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		r.RecordHTTPRequest(req.Method, req.URL.Path, http.StatusText(sw.status), time.Since(start))
	})
}
