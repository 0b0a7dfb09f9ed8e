// internal/telemetry/metrics.go

// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// the service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spatialtag/internal/domain/entity"
)

// Metrics records service metrics. All methods are safe for concurrent use
// and never block.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	cache           *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	sweepFailures   prometheus.Counter
	streamsActive   prometheus.Gauge
	streamDelivered prometheus.Counter
}

// NewMetrics creates metrics registered on a fresh registry
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Discovery operations by outcome",
		}, []string{"operation", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Discovery operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"operation"}),
		cache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Proximity cache lookups by cache and result",
		}, []string{"cache", "result"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Entities moved by the lifecycle sweep, by target state",
		}, []string{"state"}),
		sweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_failures_total",
			Help:      "Entities the lifecycle sweep failed to move",
		}),
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Open tag update streams",
		}),
		streamDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_updates_total",
			Help:      "Tag updates written to streams",
		}),
	}
}

// Operation records one discovery operation
func (m *Metrics) Operation(op, status string, elapsed time.Duration) {
	m.operations.WithLabelValues(op, status).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// CacheResult records one cache lookup
func (m *Metrics) CacheResult(cache, result string) {
	m.cache.WithLabelValues(cache, result).Inc()
}

// LifecycleTransitions records entities moved to a state
func (m *Metrics) LifecycleTransitions(to entity.State, n int) {
	if n > 0 {
		m.transitions.WithLabelValues(string(to)).Add(float64(n))
	}
}

// LifecycleFailures records entities that failed to transition
func (m *Metrics) LifecycleFailures(n int) {
	if n > 0 {
		m.sweepFailures.Add(float64(n))
	}
}

// StreamOpened counts a newly opened stream
func (m *Metrics) StreamOpened() { m.streamsActive.Inc() }

// StreamClosed counts a stream ending
func (m *Metrics) StreamClosed() { m.streamsActive.Dec() }

// StreamDelivered counts an update written to a stream
func (m *Metrics) StreamDelivered() { m.streamDelivered.Inc() }

// RegisterIndexSize exposes the number of indexed records, read on scrape
func (m *Metrics) RegisterIndexSize(namespace string, size func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "index_records",
		Help:      "Records held by the proximity index",
	}, func() float64 { return float64(size()) }))
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
