package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion engine.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	EntitiesFetched *prometheus.CounterVec
	FetchRetries    *prometheus.CounterVec
	EdgesResolved   *prometheus.CounterVec
	EdgesOrphaned   *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "councilsync_runs_total",
			Help: "Sync runs by source and terminal state",
		}, []string{"source", "state"}),
		EntitiesFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "councilsync_entities_fetched_total",
			Help: "Raw entity payloads fetched by source and kind",
		}, []string{"source", "kind"}),
		FetchRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "councilsync_fetch_retries_total",
			Help: "Page fetch retries by source",
		}, []string{"source"}),
		EdgesResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "councilsync_edges_resolved_total",
			Help: "Pending edges resolved into relations by source",
		}, []string{"source"}),
		EdgesOrphaned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "councilsync_edges_orphaned_total",
			Help: "Pending edges flagged orphaned by source",
		}, []string{"source"}),
		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "councilsync_run_duration_seconds",
			Help:    "Wall-clock duration of sync runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"source"}),
	}
}
