package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics keeps process-local counters that back the JSON stats endpoint.
// The Prometheus collectors are the primary export; these counters exist so
// that `qcache` subcommands and health probes can report without a scraper.
type Metrics struct {
	Hits         atomic.Int64
	Misses       atomic.Int64
	Expired      atomic.Int64
	Sets         atomic.Int64
	Evictions    atomic.Int64
	RemoteErrors atomic.Int64
	CodecErrors  atomic.Int64
	ReplayRuns   atomic.Int64

	perType sync.Map // cache type -> *TypeMetrics

	startTime time.Time
}

// TypeMetrics tracks lookups for a single cache type
type TypeMetrics struct {
	Hits    atomic.Int64
	Misses  atomic.Int64
	Expired atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

func (m *Metrics) typeMetrics(cacheType string) *TypeMetrics {
	if v, ok := m.perType.Load(cacheType); ok {
		return v.(*TypeMetrics)
	}
	v, _ := m.perType.LoadOrStore(cacheType, &TypeMetrics{})
	return v.(*TypeMetrics)
}

func (m *Metrics) recordLookup(cacheType, result string) {
	tm := m.typeMetrics(cacheType)
	switch result {
	case "hit":
		m.Hits.Add(1)
		tm.Hits.Add(1)
	case "expired":
		m.Expired.Add(1)
		tm.Expired.Add(1)
	default:
		m.Misses.Add(1)
		tm.Misses.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Hits          int64                   `json:"hits"`
	Misses        int64                   `json:"misses"`
	Expired       int64                   `json:"expired"`
	HitRatio      float64                 `json:"hit_ratio"`
	Sets          int64                   `json:"sets"`
	Evictions     int64                   `json:"evictions"`
	RemoteErrors  int64                   `json:"remote_errors"`
	CodecErrors   int64                   `json:"codec_errors"`
	ReplayRuns    int64                   `json:"replay_runs"`
	ByType        map[string]TypeSnapshot `json:"by_type,omitempty"`
}

// TypeSnapshot holds lookup counters for one cache type.
type TypeSnapshot struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Expired int64 `json:"expired"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Hits:          m.Hits.Load(),
		Misses:        m.Misses.Load(),
		Expired:       m.Expired.Load(),
		Sets:          m.Sets.Load(),
		Evictions:     m.Evictions.Load(),
		RemoteErrors:  m.RemoteErrors.Load(),
		CodecErrors:   m.CodecErrors.Load(),
		ReplayRuns:    m.ReplayRuns.Load(),
		ByType:        make(map[string]TypeSnapshot),
	}
	if total := s.Hits + s.Misses + s.Expired; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	m.perType.Range(func(k, v any) bool {
		tm := v.(*TypeMetrics)
		s.ByType[k.(string)] = TypeSnapshot{
			Hits:    tm.Hits.Load(),
			Misses:  tm.Misses.Load(),
			Expired: tm.Expired.Load(),
		}
		return true
	})
	return s
}

// JSONHandler serves the snapshot as JSON.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(global.Snapshot())
	})
}
