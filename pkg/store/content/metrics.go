package content

import (
	"io"
	"time"
)

// SegmentMetrics provides observability for segment store operations.
//
// This is optional - if not provided, metrics collection is skipped.
type SegmentMetrics interface {
	// ObserveAppend records one record append with its on-disk length
	ObserveAppend(recordBytes int64, duration time.Duration, err error)

	// RecordRollover records that a stem started a new segment
	RecordRollover(stem string, index int)

	// RecordBytesRead records content bytes returned to readers
	RecordBytesRead(bytes int64)
}

// noopMetrics is a default no-op metrics implementation
type noopMetrics struct{}

func (noopMetrics) ObserveAppend(recordBytes int64, duration time.Duration, err error) {}
func (noopMetrics) RecordRollover(stem string, index int)                             {}
func (noopMetrics) RecordBytesRead(bytes int64)                                       {}

// metricsReadCloser wraps an io.ReadCloser to track bytes read
type metricsReadCloser struct {
	io.ReadCloser
	metrics   SegmentMetrics
	bytesRead int64
}

func (m *metricsReadCloser) Read(p []byte) (n int, err error) {
	n, err = m.ReadCloser.Read(p)
	if n > 0 {
		m.bytesRead += int64(n)
	}
	return n, err
}

func (m *metricsReadCloser) Close() error {
	err := m.ReadCloser.Close()
	// Record bytes read regardless of close error
	if m.bytesRead > 0 {
		m.metrics.RecordBytesRead(m.bytesRead)
	}
	return err
}
