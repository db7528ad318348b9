package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/store/content"
	s3store "github.com/marmos91/auvault/pkg/store/content/s3"
	"github.com/marmos91/auvault/pkg/store/metadata"
	"github.com/marmos91/auvault/pkg/store/metadata/badger"
	"github.com/marmos91/auvault/pkg/store/metadata/memory"
)

// DefaultStemName is the segment base name of every AU stem.
const DefaultStemName = "WARC"

// ErrArchiveDisabled is returned by ArchiveSealed on a shard without an
// archiver.
var ErrArchiveDisabled = errors.New("segment archiving is not configured")

// ShardConfig configures a Shard.
type ShardConfig struct {
	// Name identifies the shard in logs and metrics
	Name string

	// Metadata is the node-tree store. The shard takes ownership.
	Metadata metadata.Store

	// Segments is the version content store. The shard takes ownership.
	Segments *content.SegmentStore

	// SizeCalc configures the background size worker
	SizeCalc SizeCalcConfig

	// Archiver uploads sealed segments; nil disables archiving
	Archiver *s3store.Archiver

	// Metrics is optional; nil disables metrics
	Metrics Metrics
}

// Shard is one independent backing repository: a metadata store and a
// segment store holding a disjoint set of AUs, plus the size worker that
// serves them.
//
// Thread Safety:
// Safe for concurrent use. Version mutation of one file is serialized by a
// per-file lock; everything else relies on store transactions.
type Shard struct {
	name     string
	meta     metadata.Store
	segments *content.SegmentStore
	archiver *s3store.Archiver
	worker   *SizeCalcWorker
	locks    *fileLocks
	metrics  Metrics

	mu  sync.Mutex
	aus map[string]*AuRepository

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewShard assembles a shard from already opened stores.
func NewShard(cfg ShardConfig) (*Shard, error) {
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("shard %q: metadata store is required", cfg.Name)
	}
	if cfg.Segments == nil {
		return nil, fmt.Errorf("shard %q: segment store is required", cfg.Name)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	s := &Shard{
		name:     cfg.Name,
		meta:     cfg.Metadata,
		segments: cfg.Segments,
		archiver: cfg.Archiver,
		locks:    newFileLocks(),
		metrics:  metrics,
		aus:      make(map[string]*AuRepository),
	}
	s.worker = NewSizeCalcWorker(cfg.Name, cfg.SizeCalc, metrics)
	return s, nil
}

// ShardOptions describes a shard to open from a directory.
type ShardOptions struct {
	// Name identifies the shard
	Name string

	// Dir holds the shard: "metadata" (badger) and "segments" below it
	Dir string

	// InMemory keeps metadata in memory; segments still go to Dir
	InMemory bool

	// Content configures the segment store; RootDir is derived from Dir
	Content content.Config

	// BlockCacheSizeMB and IndexCacheSizeMB tune badger (0 = defaults)
	BlockCacheSizeMB int64
	IndexCacheSizeMB int64

	SizeCalc SizeCalcConfig
	Archiver *s3store.Archiver
	Metrics  Metrics
}

// OpenShard opens (or creates) the shard stored under opts.Dir.
func OpenShard(ctx context.Context, opts ShardOptions) (*Shard, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("shard %q: directory is required", opts.Name)
	}

	var meta metadata.Store
	if opts.InMemory {
		meta = memory.NewMemoryMetadataStore()
	} else {
		store, err := badger.NewBadgerMetadataStore(ctx, badger.BadgerMetadataStoreConfig{
			DBPath:           filepath.Join(opts.Dir, "metadata"),
			BlockCacheSizeMB: opts.BlockCacheSizeMB,
			IndexCacheSizeMB: opts.IndexCacheSizeMB,
		})
		if err != nil {
			return nil, fmt.Errorf("shard %q: %w", opts.Name, err)
		}
		meta = store
	}

	contentCfg := opts.Content
	contentCfg.RootDir = filepath.Join(opts.Dir, "segments")
	segments, err := content.NewSegmentStore(ctx, contentCfg)
	if err != nil {
		_ = meta.Close()
		return nil, fmt.Errorf("shard %q: %w", opts.Name, err)
	}

	shard, err := NewShard(ShardConfig{
		Name:     opts.Name,
		Metadata: meta,
		Segments: segments,
		SizeCalc: opts.SizeCalc,
		Archiver: opts.Archiver,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		_ = segments.Close()
		_ = meta.Close()
		return nil, err
	}

	logger.Info("Opened shard %q at %s", opts.Name, opts.Dir)
	return shard, nil
}

// Name returns the shard name.
func (s *Shard) Name() string {
	return s.name
}

// Metadata returns the shard's node-tree store.
func (s *Shard) Metadata() metadata.Store {
	return s.meta
}

// Segments returns the shard's segment store.
func (s *Shard) Segments() *content.SegmentStore {
	return s.segments
}

// SizeCalcWorker returns the shard's background size worker.
func (s *Shard) SizeCalcWorker() *SizeCalcWorker {
	return s.worker
}

// AuRepository returns the repository of auID, creating the AU root (and
// recording its creation time) on first use.
func (s *Shard) AuRepository(ctx context.Context, auID string) (*AuRepository, error) {
	if s.closed.Load() {
		return nil, &Error{Op: "open au", URL: auID, Err: ErrClosed}
	}

	s.mu.Lock()
	if au, ok := s.aus[auID]; ok {
		s.mu.Unlock()
		return au, nil
	}
	s.mu.Unlock()

	au, err := openAuRepository(ctx, s, auID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.aus[auID]; ok {
		return existing, nil
	}
	s.aus[auID] = au
	return au, nil
}

// AuIDs returns every AU held by the shard, sorted.
func (s *Shard) AuIDs(ctx context.Context) ([]string, error) {
	ids, err := metadata.ListRoots(ctx, s.meta)
	if err != nil {
		return nil, wrapErr("list aus", "", err)
	}
	return ids, nil
}

// HasAU reports whether the shard holds auID.
func (s *Shard) HasAU(ctx context.Context, auID string) (bool, error) {
	err := s.meta.View(ctx, func(tx metadata.Transaction) error {
		_, err := tx.LookupRoot(auID)
		return err
	})
	if metadata.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("lookup au", auID, err)
	}
	return true, nil
}

// QueueSizeCalc schedules a background recomputation of node's tree size.
func (s *Shard) QueueSizeCalc(node *Node) {
	if s.closed.Load() {
		return
	}
	s.worker.Queue(node)
}

// DiskUsage returns the bytes used by segment files, plus the metadata
// store when it can report its own size.
func (s *Shard) DiskUsage(ctx context.Context) (int64, error) {
	total, err := s.segments.Usage(ctx)
	if err != nil {
		return 0, wrapErr("disk usage", "", err)
	}
	if sized, ok := s.meta.(interface{ DiskUsage() (int64, int64) }); ok {
		lsm, vlog := sized.DiskUsage()
		total += lsm + vlog
	}
	return total, nil
}

// Stems returns every stem with at least one segment file, sorted.
func (s *Shard) Stems(ctx context.Context) ([]string, error) {
	segments, err := s.segments.AllSegments(ctx)
	if err != nil {
		return nil, wrapErr("list stems", "", err)
	}
	seen := make(map[string]struct{})
	var stems []string
	for _, seg := range segments {
		if _, ok := seen[seg.Stem]; ok {
			continue
		}
		seen[seg.Stem] = struct{}{}
		stems = append(stems, seg.Stem)
	}
	sort.Strings(stems)
	return stems, nil
}

// ArchiveSealed uploads the sealed segments of every stem in the shard.
func (s *Shard) ArchiveSealed(ctx context.Context) (s3store.ArchiveStats, error) {
	var total s3store.ArchiveStats
	if s.archiver == nil {
		return total, ErrArchiveDisabled
	}

	stems, err := s.Stems(ctx)
	if err != nil {
		return total, err
	}

	start := time.Now()
	for _, stem := range stems {
		stats, err := s.archiver.ArchiveSealed(ctx, s.segments, stem)
		total.Uploaded += stats.Uploaded
		total.Skipped += stats.Skipped
		total.Bytes += stats.Bytes
		if err != nil {
			return total, wrapErr("archive", stem, err)
		}
	}

	logger.Debug("Shard %q archive pass: %d uploaded, %d skipped in %s",
		s.name, total.Uploaded, total.Skipped, time.Since(start))
	return total, nil
}

// ArchiveStem uploads the sealed segments of one stem.
func (s *Shard) ArchiveStem(ctx context.Context, stem string) (s3store.ArchiveStats, error) {
	if s.archiver == nil {
		return s3store.ArchiveStats{}, ErrArchiveDisabled
	}
	stats, err := s.archiver.ArchiveSealed(ctx, s.segments, stem)
	if err != nil {
		return stats, wrapErr("archive", stem, err)
	}
	return stats, nil
}

// Healthcheck verifies the metadata store is usable.
func (s *Shard) Healthcheck(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return wrapErr("healthcheck", "", s.meta.Healthcheck(ctx))
}

// Close stops the size worker and closes both stores. Only the first call
// does anything; later calls return the same result.
func (s *Shard) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.worker.Stop()

		var errs []error
		if err := s.segments.Close(); err != nil {
			errs = append(errs, fmt.Errorf("segments: %w", err))
		}
		if err := s.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("metadata: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		logger.Debug("Closed shard %q", s.name)
	})
	return s.closeErr
}

// Closed reports whether Close has been called.
func (s *Shard) Closed() bool {
	return s.closed.Load()
}
