package metrics

import (
	"time"

	"github.com/marmos91/auvault/pkg/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// repositoryMetrics is the Prometheus implementation of repository.Metrics.
//
// This implementation collects:
//   - Version commits, their latency and committed content bytes
//   - Background tree size computations and failures
//   - Size worker queue depth per shard
type repositoryMetrics struct {
	commitsTotal     *prometheus.CounterVec
	commitDuration   prometheus.Histogram
	committedBytes   prometheus.Counter
	sizeCalcTotal    *prometheus.CounterVec
	sizeCalcDuration prometheus.Histogram
	queueDepth       *prometheus.GaugeVec
}

// NewRepositoryMetrics creates a new Prometheus-backed repository.Metrics
// instance.
//
// Returns nil if metrics are not enabled, which causes shards to use the
// built-in no-op implementation.
func NewRepositoryMetrics() repository.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newRepositoryMetrics(GetRegistry())
}

func newRepositoryMetrics(reg prometheus.Registerer) *repositoryMetrics {
	return &repositoryMetrics{
		commitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auvault_version_commits_total",
				Help: "Total number of version commits by status",
			},
			[]string{"status"},
		),
		commitDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "auvault_version_commit_duration_seconds",
				Help: "Duration of version commits, segment append and metadata update",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
					30.0,  // 30s
				},
			},
		),
		committedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "auvault_version_committed_bytes_total",
				Help: "Total content bytes of committed versions",
			},
		),
		sizeCalcTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auvault_size_calc_total",
				Help: "Total number of background tree size computations by status",
			},
			[]string{"status"},
		),
		sizeCalcDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auvault_size_calc_duration_seconds",
				Help:    "Duration of background tree size computations",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "auvault_size_calc_queue_depth",
				Help: "Number of nodes waiting for the size worker",
			},
			[]string{"shard"},
		),
	}
}

// ObserveCommit implements repository.Metrics.ObserveCommit
func (m *repositoryMetrics) ObserveCommit(bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.commitsTotal.WithLabelValues(status).Inc()
	m.commitDuration.Observe(duration.Seconds())
	if err == nil && bytes > 0 {
		m.committedBytes.Add(float64(bytes))
	}
}

// ObserveSizeCalc implements repository.Metrics.ObserveSizeCalc
func (m *repositoryMetrics) ObserveSizeCalc(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.sizeCalcTotal.WithLabelValues(status).Inc()
	m.sizeCalcDuration.Observe(duration.Seconds())
}

// SetSizeCalcQueueDepth implements repository.Metrics.SetSizeCalcQueueDepth
func (m *repositoryMetrics) SetSizeCalcQueueDepth(shard string, depth int) {
	m.queueDepth.WithLabelValues(shard).Set(float64(depth))
}
