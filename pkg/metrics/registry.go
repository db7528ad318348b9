// Package metrics provides Prometheus metrics for auvault components.
//
// All metrics are optional - if the registry is not initialized, every
// constructor returns nil and components fall back to their no-op
// implementations.
//
// Usage:
//
//	metrics.InitRegistry()
//	repoMetrics := metrics.NewRepositoryMetrics()
//	segmentMetrics := metrics.NewSegmentMetrics()
//
//	// nil metrics are no-ops
//	shard, err := repository.OpenShard(ctx, repository.ShardOptions{Metrics: nil})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// namespace prefixes every auvault metric name.
const namespace = "auvault"

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process registry with the Go runtime and process
// collectors attached. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		)
		registry = reg
	})
}

// GetRegistry returns the process registry, or nil before InitRegistry.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
