// Package metrics exposes pipeline counters through a Prometheus registry.
//
// All methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attrscope"

// Metrics holds the collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	frames    *prometheus.CounterVec // by classification: heartbeat, complete, fragment
	envelopes *prometheus.CounterVec // by provenance: direct, reassembled, recovered
	evicted   prometheus.Counter
	discarded prometheus.Counter

	passes       prometheus.Counter
	passDuration prometheus.Histogram
	attributes   *prometheus.GaugeVec // by kind: picklist, freeform
	pending      prometheus.Gauge
	skipped      prometheus.Gauge
}

// New creates a registry with the pipeline collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "frames_total",
			Help:      "Raw frames ingested, by classification.",
		}, []string{"kind"}),

		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "envelopes_total",
			Help:      "Envelopes reconstructed, by provenance.",
		}, []string{"provenance"}),

		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reassembly",
			Name:      "evicted_fragments_total",
			Help:      "Fragments evicted by the buffer ceilings.",
		}),

		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reassembly",
			Name:      "discarded_fragments_total",
			Help:      "Leading fragments dropped by prefix recovery.",
		}),

		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Completed reconciliation passes.",
		}),

		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Reconciliation pass duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		attributes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "attributes",
			Help:      "Normalized attributes after the last pass, by kind.",
		}, []string{"kind"}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "pending_queries",
			Help:      "Schema queries still unanswered after the last pass.",
		}),

		skipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "skipped_entries",
			Help:      "Malformed schema entries skipped by the last pass.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.frames, m.envelopes, m.evicted, m.discarded,
		m.passes, m.passDuration, m.attributes, m.pending, m.skipped,
	)
	return m
}

// Registry returns the underlying registry.
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

// ObserveFrame counts one classified frame.
func (m *Metrics) ObserveFrame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

// ObserveEnvelope counts one reconstructed envelope.
func (m *Metrics) ObserveEnvelope(provenance string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(provenance).Inc()
}

// ObserveBufferLoss counts fragments lost to eviction and prefix recovery.
func (m *Metrics) ObserveBufferLoss(evicted, discarded int) {
	if m == nil {
		return
	}
	if evicted > 0 {
		m.evicted.Add(float64(evicted))
	}
	if discarded > 0 {
		m.discarded.Add(float64(discarded))
	}
}

// PassStats is what a completed reconciliation pass reports.
type PassStats struct {
	Duration  time.Duration
	Picklists int
	Freeform  int
	Pending   int
	Skipped   int
}

// ObservePass records a completed reconciliation pass.
func (m *Metrics) ObservePass(s PassStats) {
	if m == nil {
		return
	}
	m.passes.Inc()
	m.passDuration.Observe(s.Duration.Seconds())
	m.attributes.WithLabelValues("picklist").Set(float64(s.Picklists))
	m.attributes.WithLabelValues("freeform").Set(float64(s.Freeform))
	m.pending.Set(float64(s.Pending))
	m.skipped.Set(float64(s.Skipped))
}
