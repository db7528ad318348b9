package metrics

import (
	"time"

	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// segmentMetrics is the Prometheus implementation of content.SegmentMetrics.
type segmentMetrics struct {
	appendsTotal   *prometheus.CounterVec
	appendDuration prometheus.Histogram
	appendedBytes  prometheus.Counter
	rollovers      prometheus.Counter
	bytesRead      prometheus.Counter
}

// NewSegmentMetrics creates a new Prometheus-backed SegmentMetrics instance.
//
// Returns nil if metrics are not enabled, which causes the segment store to
// use its built-in no-op implementation.
func NewSegmentMetrics() content.SegmentMetrics {
	if !IsEnabled() {
		return nil
	}
	return newSegmentMetrics(GetRegistry())
}

func newSegmentMetrics(reg prometheus.Registerer) *segmentMetrics {
	return &segmentMetrics{
		appendsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "auvault_segment_appends_total",
				Help: "Total number of WARC records appended to segments by status",
			},
			[]string{"status"},
		),
		appendDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "auvault_segment_append_duration_seconds",
				Help: "Duration of segment appends including fsync",
				Buckets: []float64{
					0.0005, // 500us
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
					5.0,    // 5s
				},
			},
		),
		appendedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "auvault_segment_appended_bytes_total",
				Help: "Total on-disk bytes appended to segments, envelopes included",
			},
		),
		rollovers: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "auvault_segment_rollovers_total",
				Help: "Total number of new segments started",
			},
		),
		bytesRead: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "auvault_segment_read_bytes_total",
				Help: "Total content bytes read back from segments",
			},
		),
	}
}

// ObserveAppend implements content.SegmentMetrics.ObserveAppend
func (m *segmentMetrics) ObserveAppend(recordBytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.appendsTotal.WithLabelValues(status).Inc()
	m.appendDuration.Observe(duration.Seconds())
	if err == nil {
		m.appendedBytes.Add(float64(recordBytes))
	}
}

// RecordRollover implements content.SegmentMetrics.RecordRollover
//
// The stem is not used as a label: stems grow with the number of AUs.
func (m *segmentMetrics) RecordRollover(stem string, index int) {
	m.rollovers.Inc()
}

// RecordBytesRead implements content.SegmentMetrics.RecordBytesRead
func (m *segmentMetrics) RecordBytesRead(bytes int64) {
	m.bytesRead.Add(float64(bytes))
}
