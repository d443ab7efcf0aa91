package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many servers as
// they like.
type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	failures  *prometheus.CounterVec
	merges    prometheus.Counter
	conflicts prometheus.Counter
	working   prometheus.GaugeFunc
}

func NewMetrics(workspace *Workspace) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spanlab",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spanlab",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spanlab",
			Name:      "request_failures_total",
			Help:      "Failed API calls by error code.",
		}, []string{"code"}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spanlab",
			Name:      "merges_total",
			Help:      "Merges committed to the authoritative snapshot.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spanlab",
			Name:      "merge_conflicts_total",
			Help:      "Span conflicts resolved automatically during merges.",
		}),
	}
	m.working = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "spanlab",
		Name:      "working_copies",
		Help:      "Working copies held in memory.",
	}, func() float64 {
		if workspace == nil {
			return 0
		}
		return float64(workspace.Len())
	})
	m.registry.MustRegister(
		m.requests, m.latency, m.failures, m.merges, m.conflicts, m.working,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) observeFailure(code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(code).Inc()
}

func (m *Metrics) observeMerge(conflicts int) {
	if m == nil {
		return
	}
	m.merges.Inc()
	m.conflicts.Add(float64(conflicts))
}

// routeLabel collapses ids out of a request path so label cardinality stays
// bounded: /api/documents/doc_1/spans/spn_2 becomes /api/documents/:id/spans/:id.
func routeLabel(parts []string) string {
	if len(parts) == 0 {
		return "/"
	}
	out := ""
	for i, part := range parts {
		if i >= 2 && i%2 == 0 {
			part = ":id"
		}
		out += "/" + part
	}
	return out
}
