package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "toolproxy"

// Metrics holds the proxy's collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Backend lifecycle
	Starts   *prometheus.CounterVec
	Crashes  *prometheus.CounterVec
	Restarts *prometheus.CounterVec
	Up       *prometheus.GaugeVec

	// Routing
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec

	// Bridge
	BridgeCalls    *prometheus.CounterVec
	SSESessions    *prometheus.GaugeVec
	HealthFailures *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		Starts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_starts_total",
			Help:      "Backend incarnations that passed the readiness probe.",
		}, []string{"backend"}),

		Crashes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_crashes_total",
			Help:      "Backend incarnations that ended without a stop request.",
		}, []string{"backend"}),

		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_restarts_total",
			Help:      "Scheduled backend restarts.",
		}, []string{"backend"}),

		Up: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_up",
			Help:      "1 when the backend is routable.",
		}, []string{"backend"}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proxy_requests_total",
			Help:      "Requests handled by the reverse proxy by service and status code.",
		}, []string{"service", "code"}),

		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Reverse proxy request latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		}, []string{"service"}),

		BridgeCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bridge_calls_total",
			Help:      "JSON-RPC messages relayed by the HTTP bridge by outcome.",
		}, []string{"backend", "outcome"}),

		SSESessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "bridge_sse_sessions",
			Help:      "Open SSE sessions per backend.",
		}, []string{"backend"}),

		HealthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "health_probe_failures_total",
			Help:      "Failed periodic health probes.",
		}, []string{"backend"}),
	}
}

// Handler serves the collected metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the registry the collectors live on.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.gatherer
}

// RecordStart counts a started incarnation and marks the backend up.
func (m *Metrics) RecordStart(backend string) {
	if m == nil {
		return
	}
	m.Starts.WithLabelValues(backend).Inc()
	m.Up.WithLabelValues(backend).Set(1)
}

// RecordCrash counts a crash and marks the backend down.
func (m *Metrics) RecordCrash(backend string) {
	if m == nil {
		return
	}
	m.Crashes.WithLabelValues(backend).Inc()
	m.Up.WithLabelValues(backend).Set(0)
}

// RecordRestart counts a scheduled restart.
func (m *Metrics) RecordRestart(backend string) {
	if m == nil {
		return
	}
	m.Restarts.WithLabelValues(backend).Inc()
}

// SetUp records whether a backend is routable.
func (m *Metrics) SetUp(backend string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.Up.WithLabelValues(backend).Set(v)
}

// Forget drops every series labelled with backend.
func (m *Metrics) Forget(backend string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"backend": backend}
	m.Starts.DeletePartialMatch(labels)
	m.Crashes.DeletePartialMatch(labels)
	m.Restarts.DeletePartialMatch(labels)
	m.Up.DeletePartialMatch(labels)
	m.BridgeCalls.DeletePartialMatch(labels)
	m.SSESessions.DeletePartialMatch(labels)
	m.HealthFailures.DeletePartialMatch(labels)
}

// ObserveRequest records one proxied request. service is empty for
// unrouted requests.
func (m *Metrics) ObserveRequest(service string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if service == "" {
		service = "none"
	}
	m.Requests.WithLabelValues(service, strconv.Itoa(code)).Inc()
	m.Latency.WithLabelValues(service).Observe(elapsed.Seconds())
}

// RecordBridgeCall counts one relayed bridge message.
func (m *Metrics) RecordBridgeCall(backend, outcome string) {
	if m == nil {
		return
	}
	m.BridgeCalls.WithLabelValues(backend, outcome).Inc()
}

// SSEOpened and SSEClosed track open SSE sessions.
func (m *Metrics) SSEOpened(backend string) {
	if m == nil {
		return
	}
	m.SSESessions.WithLabelValues(backend).Inc()
}

func (m *Metrics) SSEClosed(backend string) {
	if m == nil {
		return
	}
	m.SSESessions.WithLabelValues(backend).Dec()
}

// RecordHealthFailure counts a failed health probe.
func (m *Metrics) RecordHealthFailure(backend string) {
	if m == nil {
		return
	}
	m.HealthFailures.WithLabelValues(backend).Inc()
}
