// Package metrics holds the Prometheus collectors exported on /metrics.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "burnbox"

// Metrics groups the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	objectsCreated  prometheus.Counter
	consumeTotal    *prometheus.CounterVec
	rateDenied      *prometheus.CounterVec
	reaperDeleted   prometheus.Counter
	reaperFailures  prometheus.Counter
	reaperDuration  prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	watchSubscribed prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		objectsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_created_total",
			Help:      "Objects stored.",
		}),
		consumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_total",
			Help:      "Consume attempts by outcome.",
		}, []string{"outcome"}),
		rateDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Requests rejected by the rate governor.",
		}, []string{"class"}),
		reaperDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_deleted_total",
			Help:      "Records removed by the reaper.",
		}),
		reaperFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_failures_total",
			Help:      "Per-record reaper delete failures.",
		}),
		reaperDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reaper_sweep_duration_seconds",
			Help:      "Duration of reaper sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "class"}),
		watchSubscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watch_subscribers",
			Help:      "Open watch connections.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.objectsCreated,
		m.consumeTotal,
		m.rateDenied,
		m.reaperDeleted,
		m.reaperFailures,
		m.reaperDuration,
		m.httpRequests,
		m.watchSubscribed,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObjectCreated() {
	if m == nil {
		return
	}
	m.objectsCreated.Inc()
}

// Consumed records a consume attempt; outcome is "ok" or an error code.
func (m *Metrics) Consumed(outcome string) {
	if m == nil {
		return
	}
	m.consumeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateDenied(class string) {
	if m == nil {
		return
	}
	m.rateDenied.WithLabelValues(class).Inc()
}

// Sweep records the outcome of one reaper sweep.
func (m *Metrics) Sweep(deleted, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.reaperDeleted.Add(float64(deleted))
	m.reaperFailures.Add(float64(failed))
	m.reaperDuration.Observe(took.Seconds())
}

// HTTPRequest counts a served request; status is collapsed to its class (2xx, 4xx, ...).
func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, statusClass(status)).Inc()
}

func (m *Metrics) WatchOpened() {
	if m == nil {
		return
	}
	m.watchSubscribed.Inc()
}

func (m *Metrics) WatchClosed() {
	if m == nil {
		return
	}
	m.watchSubscribed.Dec()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
