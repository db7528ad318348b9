package repository

import "time"

// Metrics provides observability for repository operations.
//
// This is optional - if not provided, metrics collection is skipped.
type Metrics interface {
	// ObserveCommit records one version commit with its content size
	ObserveCommit(bytes int64, duration time.Duration, err error)

	// ObserveSizeCalc records one background tree size computation
	ObserveSizeCalc(duration time.Duration, err error)

	// SetSizeCalcQueueDepth records the number of nodes waiting for the
	// size worker of a shard
	SetSizeCalcQueueDepth(shard string, depth int)
}

// noopMetrics is a default no-op metrics implementation
type noopMetrics struct{}

func (noopMetrics) ObserveCommit(bytes int64, duration time.Duration, err error) {}
func (noopMetrics) ObserveSizeCalc(duration time.Duration, err error)           {}
func (noopMetrics) SetSizeCalcQueueDepth(shard string, depth int)               {}
