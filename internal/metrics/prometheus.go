package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the cache layer
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	lookupsTotal      *prometheus.CounterVec
	setsTotal         *prometheus.CounterVec
	evictionsTotal    *prometheus.CounterVec
	remoteErrorsTotal *prometheus.CounterVec
	codecErrorsTotal  *prometheus.CounterVec
	replayEntries     *prometheus.CounterVec
	replayRuns        *prometheus.CounterVec
	breakerTrips      *prometheus.CounterVec

	// Histograms
	sweepDuration  *prometheus.HistogramVec
	replayDuration *prometheus.HistogramVec

	// Gauges
	uptime       prometheus.GaugeFunc
	ttlSeconds   *prometheus.GaugeVec
	enabled      *prometheus.GaugeVec
	indexEntries *prometheus.GaugeVec
	breakerState *prometheus.GaugeVec
}

// Default histogram buckets for background work (in seconds)
var defaultBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()
	pm := &PrometheusMetrics{
		registry: registry,

		lookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookups_total",
				Help:      "Cache lookups by cache type and result",
			},
			[]string{"cache_type", "result"},
		),

		setsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sets_total",
				Help:      "Cache writes by cache type and whether they reached the remote store",
			},
			[]string{"cache_type", "write_through"},
		),

		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Entries removed by eviction sweeps",
			},
			[]string{"cache_type"},
		),

		remoteErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_errors_total",
				Help:      "Remote store failures converted to benign defaults",
			},
			[]string{"op"},
		),

		codecErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "codec_errors_total",
				Help:      "Entries that failed to encode or decode",
			},
			[]string{"cache_type", "op"},
		),

		replayEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replay_entries_total",
				Help:      "Replayed entries by mode and outcome",
			},
			[]string{"cache_type", "mode", "outcome"},
		),

		replayRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replay_runs_total",
				Help:      "Restore and reload runs by result",
			},
			[]string{"cache_type", "mode", "result"},
		),

		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_breaker_transitions_total",
				Help:      "Remote store circuit breaker state transitions",
			},
			[]string{"to_state"},
		),

		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "eviction_sweep_duration_seconds",
				Help:      "Duration of eviction sweeps",
				Buckets:   buckets,
			},
			[]string{"cache_type"},
		),

		replayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "replay_duration_seconds",
				Help:      "Duration of restore and reload runs",
				Buckets:   buckets,
			},
			[]string{"cache_type", "mode"},
		),

		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Time since the metrics subsystem started",
			},
			func() float64 { return time.Since(start).Seconds() },
		),

		ttlSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ttl_seconds",
				Help:      "Effective time to live per cache type",
			},
			[]string{"cache_type"},
		),

		enabled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "enabled",
				Help:      "1 when the cache type is enabled",
			},
			[]string{"cache_type"},
		),

		indexEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_entries",
				Help:      "Descriptors tracked in the metadata index",
			},
			[]string{"cache_type", "state"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "remote_breaker_state",
				Help:      "Remote store circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"backend"},
		),
	}

	registry.MustRegister(
		pm.lookupsTotal,
		pm.setsTotal,
		pm.evictionsTotal,
		pm.remoteErrorsTotal,
		pm.codecErrorsTotal,
		pm.replayEntries,
		pm.replayRuns,
		pm.breakerTrips,
		pm.sweepDuration,
		pm.replayDuration,
		pm.uptime,
		pm.ttlSeconds,
		pm.enabled,
		pm.indexEntries,
		pm.breakerState,
	)

	promMetrics = pm
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordLookup records a cache lookup result ("hit", "miss", "expired").
func RecordLookup(cacheType, result string) {
	global.recordLookup(cacheType, result)
	if promMetrics == nil {
		return
	}
	promMetrics.lookupsTotal.WithLabelValues(cacheType, result).Inc()
}

// RecordSet records a cache write.
func RecordSet(cacheType string, writeThrough bool) {
	global.Sets.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.setsTotal.WithLabelValues(cacheType, boolLabel(writeThrough)).Inc()
}

// RecordEvictions records entries removed by one sweep and its duration.
func RecordEvictions(cacheType string, count int, d time.Duration) {
	global.Evictions.Add(int64(count))
	if promMetrics == nil {
		return
	}
	promMetrics.evictionsTotal.WithLabelValues(cacheType).Add(float64(count))
	promMetrics.sweepDuration.WithLabelValues(cacheType).Observe(d.Seconds())
}

// RecordRemoteError records a remote store failure for op.
func RecordRemoteError(op string) {
	global.RemoteErrors.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.remoteErrorsTotal.WithLabelValues(op).Inc()
}

// RecordCodecError records an encode or decode failure.
func RecordCodecError(cacheType, op string) {
	global.CodecErrors.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.codecErrorsTotal.WithLabelValues(cacheType, op).Inc()
}

// RecordReplayEntry records the outcome of one replayed entry
// ("applied", "failed", "skipped").
func RecordReplayEntry(cacheType, mode, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.replayEntries.WithLabelValues(cacheType, mode, outcome).Inc()
}

// RecordReplayRun records a restore or reload run ("ok", "partial", "cancelled").
func RecordReplayRun(cacheType, mode, result string, d time.Duration) {
	global.ReplayRuns.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.replayRuns.WithLabelValues(cacheType, mode, result).Inc()
	promMetrics.replayDuration.WithLabelValues(cacheType, mode).Observe(d.Seconds())
}

// SetStoreState publishes the effective TTL and enabled state of a store.
func SetStoreState(cacheType string, ttl time.Duration, enabled bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.ttlSeconds.WithLabelValues(cacheType).Set(ttl.Seconds())
	v := 0.0
	if enabled {
		v = 1
	}
	promMetrics.enabled.WithLabelValues(cacheType).Set(v)
}

// SetIndexSize publishes index occupancy for a cache type.
func SetIndexSize(cacheType string, live, removed int) {
	if promMetrics == nil {
		return
	}
	promMetrics.indexEntries.WithLabelValues(cacheType, "live").Set(float64(live))
	promMetrics.indexEntries.WithLabelValues(cacheType, "removed").Set(float64(removed))
}

// SetBreakerState sets the breaker state gauge.
// state: 0=closed, 1=open, 2=half_open
func SetBreakerState(backend string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordBreakerTransition records a breaker state transition.
func RecordBreakerTransition(toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTrips.WithLabelValues(toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
