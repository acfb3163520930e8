// Package metrics exposes pipeline activity as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dgnsrekt/speakahead/internal/demand"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

const namespace = "speakahead"

// Metrics implements the cache, scheduler and demand observers.
type Metrics struct {
	registry *prometheus.Registry

	synthResults *prometheus.CounterVec
	retries      *prometheus.CounterVec

	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheBytes     prometheus.Gauge
	cacheEntries   prometheus.Gauge

	concurrencyLimit prometheus.Gauge
	inFlight         prometheus.Gauge

	bufferedAhead  prometheus.Gauge
	zone           prometheus.Gauge
	prefetchWindow prometheus.Gauge
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		synthResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synth_results_total",
			Help:      "Synthesis results by outcome and error kind",
		}, []string{"outcome", "kind"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synth_retries_total",
			Help:      "Synthesis retries by the error kind that caused them",
		}, []string{"kind"}),

		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
		cacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache entries evicted",
		}),
		cacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes of audio held in the cache",
		}),
		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries held in the cache",
		}),

		concurrencyLimit: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_limit",
			Help:      "Current synthesis concurrency limit",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synth_in_flight",
			Help:      "Synthesis jobs currently running",
		}),

		bufferedAhead: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_ahead_milliseconds",
			Help:      "Ready audio ahead of the playback cursor",
		}),
		zone: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "demand_zone",
			Help:      "Demand zone (0=coast, 1=cruise, 2=accelerate, 3=emergency, 4=critical)",
		}),
		prefetchWindow: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prefetch_window",
			Help:      "Segments prefetched ahead of the cursor",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values to path in the text exposition
// format, for node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// ObserveLookup records a cache lookup.
func (m *Metrics) ObserveLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveEviction records evicted entries.
func (m *Metrics) ObserveEviction(n int) {
	m.cacheEvictions.Add(float64(n))
}

// ObserveSize records the cache footprint.
func (m *Metrics) ObserveSize(bytes int64, entries int) {
	m.cacheBytes.Set(float64(bytes))
	m.cacheEntries.Set(float64(entries))
}

// ObserveResult records a terminal synthesis result.
func (m *Metrics) ObserveResult(res synth.Result) {
	kind := string(res.Kind)
	if kind == "" {
		kind = "none"
	}
	m.synthResults.WithLabelValues(res.Outcome.String(), kind).Inc()
}

// ObserveConcurrency records the limit and current usage.
func (m *Metrics) ObserveConcurrency(limit, inFlight int) {
	m.concurrencyLimit.Set(float64(limit))
	m.inFlight.Set(float64(inFlight))
}

// ObserveRetry records a retry.
func (m *Metrics) ObserveRetry(kind synth.ErrorKind) {
	m.retries.WithLabelValues(string(kind)).Inc()
}

// ObserveDemand records a demand decision.
func (m *Metrics) ObserveDemand(zone demand.Zone, bufferedMs, limit, window int) {
	m.bufferedAhead.Set(float64(bufferedMs))
	m.zone.Set(float64(zone))
	m.concurrencyLimit.Set(float64(limit))
	m.prefetchWindow.Set(float64(window))
}
