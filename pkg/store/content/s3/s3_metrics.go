// Package s3 archives sealed segment files to Amazon S3 or an S3-compatible
// service.
//
// This file contains metrics-related types for observability of archive
// operations.
package s3

import "time"

// S3Metrics provides observability for S3 operations.
//
// This is optional - if not provided, metrics collection is skipped.
type S3Metrics interface {
	// ObserveOperation records an S3 operation with its duration and outcome
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records bytes uploaded
	RecordBytes(operation string, bytes int64)

	// RecordSegment records the outcome of archiving one segment
	// outcome is one of: "uploaded", "skipped", "failed"
	RecordSegment(outcome string)
}

// noopMetrics is a default no-op metrics implementation
type noopMetrics struct{}

func (noopMetrics) ObserveOperation(operation string, duration time.Duration, err error) {}
func (noopMetrics) RecordBytes(operation string, bytes int64)                            {}
func (noopMetrics) RecordSegment(outcome string)                                         {}
