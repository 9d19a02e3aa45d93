package hotspot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for clustering activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	runs           *prometheus.CounterVec
	runDuration    prometheus.Histogram
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	points         prometheus.Counter
	activeSessions prometheus.Gauge
	ingested       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotmesh",
			Name:      "cluster_runs_total",
			Help:      "Clustering runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hotmesh",
			Name:      "cluster_run_duration_seconds",
			Help:      "Wall-clock duration of completed clustering runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotmesh",
			Name:      "result_cache_hits_total",
			Help:      "Requests served from a session result cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotmesh",
			Name:      "result_cache_misses_total",
			Help:      "Requests that started a clustering run.",
		}),
		points: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotmesh",
			Name:      "points_clustered_total",
			Help:      "Incidents processed by the clustering engine.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotmesh",
			Name:      "active_sessions",
			Help:      "Open clustering sessions.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotmesh",
			Name:      "incidents_ingested_total",
			Help:      "Incidents accepted into the store by source.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.runDuration, m.cacheHits, m.cacheMisses, m.points, m.activeSessions, m.ingested)
	}
	return m
}

// ObserveRun records a finished run. Duration is only observed for runs
// that actually executed.
func (m *Metrics) ObserveRun(outcome State, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome.String()).Inc()
	if d > 0 {
		m.runDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) PointsClustered(n int) {
	if m == nil {
		return
	}
	m.points.Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// Ingested counts incidents accepted from source (file, sqlite, api, mqtt)
func (m *Metrics) Ingested(source string, n int) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source).Add(float64(n))
}
