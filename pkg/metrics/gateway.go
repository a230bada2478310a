package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/surfgate/surfgate/pkg/cache"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/server"
)

// poolMetrics implements pool.Metrics.
type poolMetrics struct {
	inFlight *prometheus.GaugeVec
}

// NewPoolMetrics creates Prometheus-backed session pool metrics, or nil
// when metrics are disabled.
func NewPoolMetrics() pool.Metrics {
	if !IsEnabled() {
		return nil
	}

	return &poolMetrics{
		inFlight: promauto.With(GetRegistry()).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "surfgate_session_in_flight",
				Help: "In-flight operations per remote session",
			},
			[]string{"session"},
		),
	}
}

func (m *poolMetrics) SetInFlight(session, count int) {
	m.inFlight.WithLabelValues(strconv.Itoa(session)).Set(float64(count))
}

// cacheMetrics implements cache.Metrics and cache.PopulatorMetrics.
type cacheMetrics struct {
	evictedEntries prometheus.Counter
	evictedBytes   prometheus.Counter
	sizeBytes      prometheus.Gauge
	entries        prometheus.Gauge
	populations    *prometheus.CounterVec
}

// NewCacheMetrics creates Prometheus-backed cache metrics, or nil when
// metrics are disabled. The result serves both the store and the
// populator.
func NewCacheMetrics() *CacheMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()
	return &CacheMetrics{&cacheMetrics{
		evictedEntries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "surfgate_cache_evicted_entries_total",
			Help: "Total cache entries evicted to make room",
		}),
		evictedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "surfgate_cache_evicted_bytes_total",
			Help: "Total bytes evicted to make room",
		}),
		sizeBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "surfgate_cache_size_bytes",
			Help: "Committed cache size in bytes",
		}),
		entries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "surfgate_cache_entries",
			Help: "Number of committed cache entries",
		}),
		populations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfgate_cache_populations_total",
				Help: "Background cache downloads by outcome",
			},
			[]string{"result"},
		),
	}}
}

// CacheMetrics bundles the store and populator metric interfaces behind
// one constructor. A nil *CacheMetrics yields nil interfaces, keeping the
// nil-disables contract.
type CacheMetrics struct {
	impl *cacheMetrics
}

// Store returns the cache.Metrics view.
func (c *CacheMetrics) Store() cache.Metrics {
	if c == nil {
		return nil
	}
	return c.impl
}

// Populator returns the cache.PopulatorMetrics view.
func (c *CacheMetrics) Populator() cache.PopulatorMetrics {
	if c == nil {
		return nil
	}
	return c.impl
}

func (m *cacheMetrics) ObserveEviction(entries int, bytes int64) {
	m.evictedEntries.Add(float64(entries))
	m.evictedBytes.Add(float64(bytes))
}

func (m *cacheMetrics) SetUsage(bytes int64, entries int) {
	m.sizeBytes.Set(float64(bytes))
	m.entries.Set(float64(entries))
}

func (m *cacheMetrics) ObservePopulation(result string) {
	m.populations.WithLabelValues(result).Inc()
}

// streamMetrics implements server.Metrics.
type streamMetrics struct {
	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewStreamMetrics creates Prometheus-backed stream serving metrics, or
// nil when metrics are disabled.
func NewStreamMetrics() server.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()
	return &streamMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfgate_stream_requests_total",
				Help: "Stream requests by cache status and HTTP status",
			},
			[]string{"cache", "status"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "surfgate_stream_bytes_total",
				Help: "Bytes delivered to clients by cache status",
			},
			[]string{"cache"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surfgate_stream_duration_seconds",
				Help:    "Stream serving duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"cache"},
		),
	}
}

func (m *streamMetrics) ObserveStream(cacheStatus string, status int, bytes int64, seconds float64) {
	m.requests.WithLabelValues(cacheStatus, strconv.Itoa(status)).Inc()
	m.bytes.WithLabelValues(cacheStatus).Add(float64(bytes))
	m.duration.WithLabelValues(cacheStatus).Observe(seconds)
}
