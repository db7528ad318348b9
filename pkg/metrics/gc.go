package metrics

import (
	"github.com/marmos91/auvault/pkg/gc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// gcMetrics is the Prometheus implementation of gc.Metrics.
type gcMetrics struct {
	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	segmentsRemoved  *prometheus.CounterVec
	reclaimedBytes   *prometheus.CounterVec
	orphanedSegments *prometheus.GaugeVec
}

// NewGCMetrics creates a new Prometheus-backed gc.Metrics instance.
//
// Returns nil if metrics are not enabled.
func NewGCMetrics() gc.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newGCMetrics(GetRegistry())
}

func newGCMetrics(reg prometheus.Registerer) *gcMetrics {
	return &gcMetrics{
		runsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auvault_gc_runs_total",
				Help: "Total number of garbage collection runs by shard and status",
			},
			[]string{"shard", "status"},
		),
		runDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auvault_gc_run_duration_seconds",
				Help:    "Duration of garbage collection runs",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		segmentsRemoved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auvault_gc_segments_removed_total",
				Help: "Total number of orphaned segments removed",
			},
			[]string{"shard"},
		),
		reclaimedBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auvault_gc_reclaimed_bytes_total",
				Help: "Total bytes freed by removing orphaned segments",
			},
			[]string{"shard"},
		),
		orphanedSegments: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "auvault_gc_orphaned_segments",
				Help: "Orphaned segments found by the last run",
			},
			[]string{"shard"},
		),
	}
}

// ObserveRun implements gc.Metrics.ObserveRun
func (m *gcMetrics) ObserveRun(shard string, stats *gc.Stats, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.runsTotal.WithLabelValues(shard, status).Inc()
	if stats == nil {
		return
	}

	m.runDuration.Observe(stats.Duration().Seconds())
	m.orphanedSegments.WithLabelValues(shard).Set(float64(stats.OrphanedCount))
	m.segmentsRemoved.WithLabelValues(shard).Add(float64(stats.DeletedCount))
	m.reclaimedBytes.WithLabelValues(shard).Add(float64(stats.ReclaimedBytes))
}
