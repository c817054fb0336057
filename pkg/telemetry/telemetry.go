// Package telemetry holds the prometheus instruments shared by the
// registration pipeline, the registry writer, and the HTTP surface.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the registry's prometheus instruments behind a private
// registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle pipeline
	Transitions    *prometheus.CounterVec
	CASRetries     prometheus.Counter
	CASExhaustions prometheus.Counter
	CASShortCuts   prometheus.Counter

	// Registry writer
	Registrations   prometheus.Counter
	Unregistrations prometheus.Counter
	URNConflicts    prometheus.Counter
	WriterErrors    prometheus.Counter

	// HTTP surface
	HTTPRequests    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
}

// New creates a metrics bundle backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semhub_lifecycle_transitions_total",
			Help: "Successful lifecycle transitions by event.",
		}, []string{"event"}),
		CASRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhub_cas_retries_total",
			Help: "Optimistic-lock retries.",
		}),
		CASExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhub_cas_exhaustions_total",
			Help: "Optimistic-lock operations that ran out of retries.",
		}),
		CASShortCuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhub_cas_already_applied_total",
			Help: "CAS operations short-circuited as already applied.",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhub_registrations_total",
			Help: "Manifests registered into the catalog.",
		}),
		Unregistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhub_unregistrations_total",
			Help: "Manifests removed from the catalog.",
		}),
		URNConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhub_urn_conflicts_total",
			Help: "Registrations rejected because the URN already exists.",
		}),
		WriterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhub_writer_errors_total",
			Help: "Non-fatal errors collected during registry writes.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semhub_http_requests_total",
			Help: "HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "semhub_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhub_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter.",
		}),
	}

	reg.MustRegister(
		m.Transitions,
		m.CASRetries,
		m.CASExhaustions,
		m.CASShortCuts,
		m.Registrations,
		m.Unregistrations,
		m.URNConflicts,
		m.WriterErrors,
		m.HTTPRequests,
		m.RequestDuration,
		m.RateLimited,
	)
	return m
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler exposes the prometheus text endpoint for this bundle.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
