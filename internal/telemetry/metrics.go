// Package telemetry exposes the gateway's Prometheus metrics on a dedicated
// registry so tests and embedders never collide with the global default.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/babelgate/babelgate/internal/canonical"
)

const namespace = "babelgate"

// Metrics holds every instrument the gateway records. One instance lives for
// the process lifetime.
type Metrics struct {
	registry *prometheus.Registry

	detectionsTotal *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec

	upstreamLatency *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	inflightStreams *prometheus.GaugeVec

	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter
	cacheEvictionsTotal prometheus.Counter
	cacheEntries        prometheus.Gauge

	usageTokensTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics. If registry is nil a
// fresh one is used.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		detectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_detections_total",
				Help:      "Protocol detections by detected variant and signal source",
			},
			[]string{"variant", "source"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Completed gateway requests by client variant, target variant, and outcome",
			},
			[]string{"client_variant", "target_variant", "outcome"},
		),

		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Request failures by error taxonomy kind",
			},
			[]string{"kind"},
		),

		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Wall time from upstream connect to terminal chunk",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"backend"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_retries_total",
				Help:      "Upstream connect retries by backend",
			},
			[]string{"backend"},
		),

		inflightStreams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_streams",
				Help:      "Streams currently in the Streaming state",
			},
			[]string{"backend"},
		),

		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Response cache hits",
		}),
		cacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Response cache misses",
		}),
		cacheEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Response cache evictions, from capacity pressure or TTL expiry",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current response cache entries",
		}),

		usageTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_tokens_total",
				Help:      "Tokens accounted per backend and direction; estimated marks locally counted values",
			},
			[]string{"backend", "direction", "estimated"},
		),
	}

	registry.MustRegister(
		m.detectionsTotal,
		m.requestsTotal,
		m.failuresTotal,
		m.upstreamLatency,
		m.retriesTotal,
		m.inflightStreams,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.cacheEvictionsTotal,
		m.cacheEntries,
		m.usageTokensTotal,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordDetection(variant canonical.ProtocolVariant, source string) {
	m.detectionsTotal.WithLabelValues(string(variant), source).Inc()
}

func (m *Metrics) RecordRequest(client, target canonical.ProtocolVariant, outcome string) {
	m.requestsTotal.WithLabelValues(string(client), string(target), outcome).Inc()
}

func (m *Metrics) RecordFailure(kind canonical.ErrorKind) {
	m.failuresTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ObserveUpstreamLatency(backend string, d time.Duration) {
	m.upstreamLatency.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) RecordRetry(backend string) {
	m.retriesTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) StreamStarted(backend string) {
	m.inflightStreams.WithLabelValues(backend).Inc()
}

func (m *Metrics) StreamEnded(backend string) {
	m.inflightStreams.WithLabelValues(backend).Dec()
}

func (m *Metrics) RecordCacheHit()      { m.cacheHitsTotal.Inc() }
func (m *Metrics) RecordCacheMiss()     { m.cacheMissesTotal.Inc() }
func (m *Metrics) RecordCacheEviction() { m.cacheEvictionsTotal.Inc() }

func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// RecordUsage accounts one finalized usage record against a backend.
func (m *Metrics) RecordUsage(backend string, rec canonical.UsageRecord) {
	estimated := strconv.FormatBool(rec.Estimated)
	m.usageTokensTotal.WithLabelValues(backend, "prompt", estimated).Add(float64(rec.PromptTokens))
	m.usageTokensTotal.WithLabelValues(backend, "completion", estimated).Add(float64(rec.CompletionTokens))
}
