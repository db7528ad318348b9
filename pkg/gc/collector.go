// Package gc provides per-shard maintenance for the repository.
//
// Two kinds of space are reclaimed:
//   - Sealed segment files no version references any more. Moving a file or
//     subtree re-appends every version to the new stem and leaves the old
//     records behind; a commit whose metadata update failed leaves its
//     appended record behind as well.
//   - Stale BadgerDB value log files. Tree size invalidation rewrites node
//     records on every write, so the value log grows even when the tree
//     does not.
//
// The active segment of each stem is never removed, since appends may be in
// flight there.
package gc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/repository"
	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// DefaultInterval is how often a started collector runs.
const DefaultInterval = 24 * time.Hour

// runTimeout bounds one periodic collection.
const runTimeout = 30 * time.Minute

// Collector performs periodic maintenance on one shard.
//
// Thread Safety: Safe for concurrent use. RunNow may be called while the
// background worker is running; runs are serialized.
type Collector struct {
	shard   *repository.Shard
	config  Config
	metrics Metrics

	runMu     sync.Mutex
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Config contains configuration for the collector.
type Config struct {
	// Enabled controls whether Start launches the background worker
	Enabled bool

	// Interval is how often to run (default: 24h)
	Interval time.Duration

	// MinAge protects recently sealed segments: a segment modified less
	// than MinAge ago is never removed. Zero disables the check.
	MinAge time.Duration

	// DryRun logs what would be removed without removing anything
	DryRun bool

	// SkipValueLog disables the BadgerDB value log pass
	SkipValueLog bool
}

// valueLogCollector is implemented by metadata stores with a value log.
type valueLogCollector interface {
	CollectGarbage(ctx context.Context) (int, error)
}

// NewCollector creates a collector for shard. The collector is not started.
func NewCollector(shard *repository.Shard, config Config, metrics Metrics) (*Collector, error) {
	if shard == nil {
		return nil, fmt.Errorf("gc: shard is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MinAge < 0 {
		return nil, fmt.Errorf("gc: min age must not be negative")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Collector{
		shard:   shard,
		config:  config,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins background collection. Subsequent calls are no-ops, and so
// is Start on a disabled collector.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled for shard %q", c.shard.Name())
		return
	}

	c.startOnce.Do(func() {
		c.started.Store(true)
		logger.Info("Starting garbage collector for shard %q: interval=%s min_age=%s dry_run=%v",
			c.shard.Name(), c.config.Interval, c.config.MinAge, c.config.DryRun)
		go c.worker()
	})
}

// Stop stops the background worker and waits for an in-progress run to
// finish, or for ctx to expire. Safe to call multiple times.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}

	c.stopOnce.Do(func() {
		logger.Info("Stopping garbage collector for shard %q...", c.shard.Name())
		close(c.stopCh)
	})

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		logger.Warn("Garbage collector shutdown timeout for shard %q", c.shard.Name())
		return ctx.Err()
	}
}

// RunNow runs one collection and blocks until it completes or ctx is done.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running garbage collection on shard %q (manual trigger)...", c.shard.Name())
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Garbage collection of shard %q failed: %v", c.shard.Name(), err)
			} else {
				logger.Info("Garbage collection of shard %q completed: %s", c.shard.Name(), stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// segmentKey identifies one segment of one stem.
type segmentKey struct {
	stem  string
	index int
}

// collect performs a single run:
//  1. List the segments on disk and note the active one of each stem
//  2. Collect the segments referenced by any version record
//  3. Remove sealed, unreferenced segments older than MinAge
//  4. Run the value log GC of the metadata store
//
// Segments are listed before references are read: a record appended after
// the listing lands in a segment that was active at listing time, which is
// never a candidate.
func (c *Collector) collect(ctx context.Context) (stats *Stats, err error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	stats = &Stats{StartTime: time.Now(), DryRun: c.config.DryRun}
	defer func() {
		stats.EndTime = time.Now()
		c.metrics.ObserveRun(c.shard.Name(), stats, err)
	}()

	segments := c.shard.Segments()

	// Step 1: list segments on disk
	existing, err := segments.AllSegments(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list segments: %w", err)
	}
	stats.ExistingCount = uint64(len(existing))

	active := make(map[string]int)
	for _, seg := range existing {
		if seg.Index > active[seg.Stem] {
			active[seg.Stem] = seg.Index
		}
	}

	// Step 2: collect references from metadata
	referenced, versions, err := referencedSegments(ctx, c.shard.Metadata())
	if err != nil {
		return stats, fmt.Errorf("failed to collect referenced segments: %w", err)
	}
	stats.ReferencedCount = uint64(len(referenced))
	stats.VersionCount = versions

	logger.Debug("GC %q: %d segments on disk, %d referenced by %d versions",
		c.shard.Name(), stats.ExistingCount, stats.ReferencedCount, versions)

	// Step 3: remove orphaned sealed segments
	cutoff := time.Now().Add(-c.config.MinAge)
	var orphaned []content.SegmentInfo
	for _, seg := range existing {
		if seg.Index == active[seg.Stem] {
			continue
		}
		if _, ok := referenced[segmentKey{seg.Stem, seg.Index}]; ok {
			continue
		}
		if c.config.MinAge > 0 && !modifiedBefore(seg.Path, cutoff) {
			stats.TooRecentCount++
			continue
		}
		orphaned = append(orphaned, seg)
	}
	stats.OrphanedCount = uint64(len(orphaned))

	for _, seg := range orphaned {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if c.config.DryRun {
			logger.Info("GC %q: DRY RUN - would remove %s (%s)", c.shard.Name(), seg.Path, humanize.Bytes(uint64(seg.Size)))
			continue
		}

		if err := segments.RemoveSegment(ctx, seg.Stem, seg.Index); err != nil {
			logger.Warn("GC %q: failed to remove %s: %v", c.shard.Name(), seg.Path, err)
			stats.FailedCount++
			continue
		}
		stats.DeletedCount++
		stats.ReclaimedBytes += seg.Size
		logger.Debug("GC %q: removed %s", c.shard.Name(), seg.Path)
	}

	// Step 4: value log GC
	if !c.config.SkipValueLog && !c.config.DryRun {
		if vlog, ok := c.shard.Metadata().(valueLogCollector); ok {
			rewritten, err := vlog.CollectGarbage(ctx)
			stats.ValueLogRewrites = rewritten
			if err != nil {
				return stats, fmt.Errorf("value log gc failed: %w", err)
			}
		}
	}

	return stats, nil
}

// referencedSegments walks every AU tree of meta and returns the set of
// segments holding version content, plus the number of versions seen.
// Deleted versions count: they can be undeleted.
func referencedSegments(ctx context.Context, meta metadata.Store) (map[segmentKey]struct{}, int, error) {
	auIDs, err := metadata.ListRoots(ctx, meta)
	if err != nil {
		return nil, 0, err
	}

	refs := make(map[segmentKey]struct{})
	versions := 0

	for _, auID := range auIDs {
		var root *metadata.NodeRecord
		if err := meta.View(ctx, func(tx metadata.Transaction) error {
			var err error
			root, err = tx.LookupRoot(auID)
			return err
		}); err != nil {
			return nil, 0, fmt.Errorf("au %s: %w", auID, err)
		}

		queue := []metadata.NodeID{root.ID}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
			id := queue[0]
			queue = queue[1:]

			children, err := metadata.ListChildren(ctx, meta, id)
			if err != nil {
				return nil, 0, err
			}
			for _, child := range children {
				if !child.IsFile() {
					queue = append(queue, child.ID)
					continue
				}
				records, err := metadata.ListVersions(ctx, meta, child.ID)
				if err != nil {
					return nil, 0, err
				}
				for _, v := range records {
					versions++
					if v.Location.IsSet() {
						refs[segmentKey{v.Location.Stem, v.Location.Segment}] = struct{}{}
					}
				}
			}
		}
	}
	return refs, versions, nil
}

func modifiedBefore(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

// Stats contains statistics from a collection run.
type Stats struct {
	StartTime        time.Time // When collection started
	EndTime          time.Time // When collection ended
	DryRun           bool      // Whether removals were only logged
	ExistingCount    uint64    // Segment files on disk
	ReferencedCount  uint64    // Segments referenced by at least one version
	VersionCount     int       // Version records walked
	OrphanedCount    uint64    // Sealed segments no version references
	TooRecentCount   uint64    // Orphans spared because of MinAge
	DeletedCount     uint64    // Orphans removed
	FailedCount      uint64    // Orphans that failed to be removed
	ReclaimedBytes   int64     // Bytes freed by removed segments
	ValueLogRewrites int       // Value log files rewritten by the metadata store
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("segments=%d referenced=%d orphaned=%d deleted=%d failed=%d reclaimed=%s vlog_rewrites=%d dry_run=%v duration=%s",
		s.ExistingCount, s.ReferencedCount, s.OrphanedCount, s.DeletedCount, s.FailedCount,
		humanize.Bytes(uint64(s.ReclaimedBytes)), s.ValueLogRewrites, s.DryRun, s.Duration())
}
