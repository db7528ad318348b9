package gc

// Metrics receives the outcome of every collection run.
//
// Implementations must be safe for concurrent use.
type Metrics interface {
	// ObserveRun records one run; err is the run's error, if any
	ObserveRun(shard string, stats *Stats, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRun(shard string, stats *Stats, err error) {}
