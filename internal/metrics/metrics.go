// Package metrics exposes resolver and info request counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple instances never
// collide on the global default.
type Metrics struct {
	registry *prometheus.Registry

	queries         prometheus.Counter
	exhausted       prometheus.Counter
	dispatches      *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
	queued          *prometheus.GaugeVec

	infoRequests *prometheus.CounterVec
	infoOutcomes *prometheus.CounterVec
	infoPending  prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "queries_total",
			Help:      "Queries submitted to the pipeline.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "queries_exhausted_total",
			Help:      "Query rounds that ended without any result.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "resolver_dispatches_total",
			Help:      "Queries handed to a resolver.",
		}, []string{"resolver"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "resolver_outcomes_total",
			Help:      "Finished resolver jobs by outcome.",
		}, []string{"resolver", "outcome"}),
		resolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "resolvd",
			Name:      "resolver_duration_seconds",
			Help:      "Time a resolver spent on one query.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resolver"}),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "resolvd",
			Name:      "resolver_queued_jobs",
			Help:      "Jobs waiting for a free resolver slot.",
		}, []string{"resolver"}),
		infoRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "info_requests_total",
			Help:      "Info requests accepted, by type.",
		}, []string{"type"}),
		infoOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "info_outcomes_total",
			Help:      "Info requests retired, by type and final state.",
		}, []string{"type", "state"}),
		infoPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resolvd",
			Name:      "info_pending_requests",
			Help:      "Info requests awaiting a response.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queries, m.exhausted, m.dispatches, m.outcomes, m.resolveDuration, m.queued,
		m.infoRequests, m.infoOutcomes, m.infoPending,
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// All recording methods accept a nil receiver so components can run
// without metrics.

func (m *Metrics) QuerySubmitted() {
	if m != nil {
		m.queries.Inc()
	}
}

func (m *Metrics) QueryExhausted() {
	if m != nil {
		m.exhausted.Inc()
	}
}

func (m *Metrics) Dispatched(resolver string) {
	if m != nil {
		m.dispatches.WithLabelValues(resolver).Inc()
	}
}

// ResolverFinished records one job. outcome is "ok", "empty", "error",
// "timeout" or "dropped".
func (m *Metrics) ResolverFinished(resolver, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(resolver, outcome).Inc()
	if took > 0 {
		m.resolveDuration.WithLabelValues(resolver).Observe(took.Seconds())
	}
}

func (m *Metrics) SetQueued(resolver string, n int) {
	if m != nil {
		m.queued.WithLabelValues(resolver).Set(float64(n))
	}
}

func (m *Metrics) InfoSubmitted(typ string) {
	if m == nil {
		return
	}
	m.infoRequests.WithLabelValues(typ).Inc()
	m.infoPending.Inc()
}

func (m *Metrics) InfoRetired(typ, state string) {
	if m == nil {
		return
	}
	m.infoOutcomes.WithLabelValues(typ, state).Inc()
	m.infoPending.Dec()
}
