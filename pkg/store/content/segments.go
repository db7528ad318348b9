// Package content implements the version segment store: committed version
// content is appended as WARC records to size-capped, append-only segment
// files grouped by stem.
package content

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/store/metadata"
	"github.com/zeebo/blake3"
)

// Compression selects how records are written to segments.
type Compression string

const (
	// CompressionNone writes plain .warc segments.
	CompressionNone Compression = "none"

	// CompressionGzip writes .warc.gz segments, one gzip member per record.
	CompressionGzip Compression = "gzip"
)

const (
	// DefaultMaxSegmentSize is the segment size cap used when none is configured.
	DefaultMaxSegmentSize int64 = 1 << 30

	segmentDigits  = 5
	extWARC        = ".warc"
	extWARCGz      = ".warc.gz"
	stagingDirName = ".staging"
)

// Config configures a SegmentStore.
type Config struct {
	// RootDir is the directory every stem is resolved against
	RootDir string

	// MaxSegmentSize caps the size of a segment file. A record larger than
	// the cap is written alone into a fresh segment.
	MaxSegmentSize int64

	// SpillThreshold is the staging buffer size above which content moves
	// to a temporary file
	SpillThreshold int64

	// Compression selects plain or gzip segments (default: none)
	Compression Compression

	// FDCacheSize bounds the number of segment files kept open for reading
	FDCacheSize int

	// Metrics is optional; nil disables metrics
	Metrics SegmentMetrics
}

// SegmentInfo describes one segment file on disk.
type SegmentInfo struct {
	Stem       string
	Index      int
	Path       string
	Size       int64
	Compressed bool
}

// SegmentStore appends version content to segment files and reads it back.
//
// Segments are named <stem><5-digit index><ext>, numbered from 1. Each stem
// has one active segment (the highest index); appends go there until the
// next record would push it past MaxSegmentSize, then a new segment is
// created. Older segments are sealed and never written again.
//
// Thread Safety:
// Appends to one stem are serialized by that stem's mutex; different stems
// append in parallel. Reads share cached read-only descriptors and never
// block appends.
type SegmentStore struct {
	root        string
	stagingDir  string
	maxSize     int64
	spill       int64
	compression Compression
	fdCache     *FDCache
	metrics     SegmentMetrics

	mu     sync.Mutex
	sets   map[string]*segmentSet
	closed atomic.Bool
}

// segmentSet is the append state of one stem.
type segmentSet struct {
	mu   sync.Mutex
	stem string
	dir  string
	base string

	loaded    bool
	active    int
	activeLen int64
	activeGz  bool
}

// NewSegmentStore creates a segment store rooted at cfg.RootDir, creating
// the directory if needed. Leftover staging files from a previous run are
// removed.
func NewSegmentStore(ctx context.Context, cfg Config) (*SegmentStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("segment store: root directory is required")
	}

	switch cfg.Compression {
	case "":
		cfg.Compression = CompressionNone
	case CompressionNone, CompressionGzip:
	default:
		return nil, fmt.Errorf("segment store: unknown compression %q", cfg.Compression)
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	stagingDir := filepath.Join(cfg.RootDir, stagingDirName)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment root: %w", err)
	}
	if entries, err := os.ReadDir(stagingDir); err == nil {
		for _, e := range entries {
			_ = os.Remove(filepath.Join(stagingDir, e.Name()))
		}
	}

	return &SegmentStore{
		root:        cfg.RootDir,
		stagingDir:  stagingDir,
		maxSize:     cfg.MaxSegmentSize,
		spill:       cfg.SpillThreshold,
		compression: cfg.Compression,
		fdCache:     NewFDCache(cfg.FDCacheSize),
		metrics:     cfg.Metrics,
		sets:        make(map[string]*segmentSet),
	}, nil
}

// Root returns the store's root directory.
func (s *SegmentStore) Root() string {
	return s.root
}

// MaxSegmentSize returns the configured segment size cap.
func (s *SegmentStore) MaxSegmentSize() int64 {
	return s.maxSize
}

// NewStaging returns an empty staging buffer using the store's spill
// threshold and staging directory.
func (s *SegmentStore) NewStaging() *Staging {
	return NewStaging(s.stagingDir, s.spill)
}

// CleanStem validates a stem and returns it in canonical form.
//
// A stem is a relative path inside the root. Its final element may not end
// with a digit, so segment names of different stems can never be confused.
func CleanStem(stem string) (string, error) {
	if stem == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStem)
	}
	clean := filepath.Clean(filepath.FromSlash(stem))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidStem, stem)
	}
	first := strings.SplitN(filepath.ToSlash(clean), "/", 2)[0]
	if first == stagingDirName {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidStem, stem)
	}
	base := filepath.Base(clean)
	if last := base[len(base)-1]; last >= '0' && last <= '9' {
		return "", fmt.Errorf("%w: %q ends with a digit", ErrInvalidStem, stem)
	}
	return filepath.ToSlash(clean), nil
}

func (s *SegmentStore) set(stem string) *segmentSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[stem]
	if !ok {
		abs := filepath.Join(s.root, filepath.FromSlash(stem))
		set = &segmentSet{
			stem: stem,
			dir:  filepath.Dir(abs),
			base: filepath.Base(abs),
		}
		s.sets[stem] = set
	}
	return set
}

func segmentName(base string, index int, gz bool) string {
	ext := extWARC
	if gz {
		ext = extWARCGz
	}
	return fmt.Sprintf("%s%0*d%s", base, segmentDigits, index, ext)
}

// parseSegmentName splits a segment file name into base, index and
// compression.
func parseSegmentName(name string) (base string, index int, gz bool, ok bool) {
	rest := name
	switch {
	case strings.HasSuffix(rest, extWARCGz):
		rest, gz = strings.TrimSuffix(rest, extWARCGz), true
	case strings.HasSuffix(rest, extWARC):
		rest = strings.TrimSuffix(rest, extWARC)
	default:
		return "", 0, false, false
	}

	i := len(rest)
	for i > 0 && rest[i-1] >= '0' && rest[i-1] <= '9' {
		i--
	}
	digits := rest[i:]
	if i == 0 || len(digits) < segmentDigits {
		return "", 0, false, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 1 {
		return "", 0, false, false
	}
	return rest[:i], index, gz, true
}

// load scans the stem's directory for the highest existing segment.
// Called with set.mu held.
func (set *segmentSet) load() error {
	if set.loaded {
		return nil
	}
	if err := os.MkdirAll(set.dir, 0755); err != nil {
		return fmt.Errorf("failed to create segment directory %s: %w", set.dir, err)
	}

	entries, err := os.ReadDir(set.dir)
	if err != nil {
		return fmt.Errorf("failed to scan segment directory %s: %w", set.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base, index, gz, ok := parseSegmentName(e.Name())
		if !ok || base != set.base || index < set.active {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("failed to stat segment %s: %w", e.Name(), err)
		}
		set.active, set.activeLen, set.activeGz = index, info.Size(), gz
	}

	set.loaded = true
	return nil
}

func (set *segmentSet) path(index int, gz bool) string {
	return filepath.Join(set.dir, segmentName(set.base, index, gz))
}

// needsRollover reports whether a record of recordLen bytes must go into a
// new segment.
func (set *segmentSet) needsRollover(recordLen, limit int64, gz bool) bool {
	if set.active == 0 || set.activeGz != gz {
		return true
	}
	return set.activeLen > 0 && set.activeLen+recordLen > limit
}

// rollover creates the next segment and makes it active.
// Called with set.mu held.
func (set *segmentSet) rollover(gz bool) error {
	next := set.active + 1
	f, err := os.OpenFile(set.path(next, gz), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment %s: %w", set.path(next, gz), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to create segment %s: %w", set.path(next, gz), err)
	}

	set.active, set.activeLen, set.activeGz = next, 0, gz
	return nil
}

// encodeRecord renders rec into its on-disk form. The returned cleanup
// function must always be called.
func (s *SegmentStore) encodeRecord(rec Record) (io.Reader, int64, func(), error) {
	noop := func() {}

	size := rec.Content.Size()
	envelope, err := buildEnvelope(rec, size, rec.Content.Digest())
	if err != nil {
		return nil, 0, noop, err
	}
	body, err := rec.Content.Reader()
	if err != nil {
		return nil, 0, noop, err
	}
	plain := io.MultiReader(bytes.NewReader(envelope), body, strings.NewReader(recordTrailer))

	if s.compression != CompressionGzip {
		return plain, int64(len(envelope)) + size + int64(len(recordTrailer)), noop, nil
	}

	// The compressed length must be known before picking a segment, so
	// the gzip member is staged first.
	compressed := s.NewStaging()
	zw := gzip.NewWriter(compressed)
	if _, err := io.Copy(zw, plain); err != nil {
		_ = compressed.Close()
		return nil, 0, noop, fmt.Errorf("failed to compress record: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = compressed.Close()
		return nil, 0, noop, fmt.Errorf("failed to compress record: %w", err)
	}
	r, err := compressed.Reader()
	if err != nil {
		_ = compressed.Close()
		return nil, 0, noop, err
	}
	return r, compressed.Size(), func() { _ = compressed.Close() }, nil
}

// Append writes rec as one WARC record to the active segment of stem and
// returns where it landed.
//
// The record goes to a new segment when the active one is non-empty and
// would exceed the size cap. The segment is fsynced before Append returns.
func (s *SegmentStore) Append(ctx context.Context, stem string, rec Record) (loc metadata.ContentLocation, err error) {
	if err := ctx.Err(); err != nil {
		return loc, err
	}
	if s.closed.Load() {
		return loc, ErrStoreClosed
	}
	if rec.Content == nil {
		return loc, fmt.Errorf("segment store: record without content")
	}
	stem, err = CleanStem(stem)
	if err != nil {
		return loc, err
	}

	start := time.Now()
	var recordLen int64
	defer func() {
		s.metrics.ObserveAppend(recordLen, time.Since(start), err)
	}()

	payload, recordLen, cleanup, err := s.encodeRecord(rec)
	defer cleanup()
	if err != nil {
		return loc, err
	}

	gz := s.compression == CompressionGzip
	set := s.set(stem)

	set.mu.Lock()
	defer set.mu.Unlock()

	if err := set.load(); err != nil {
		return loc, err
	}
	if set.needsRollover(recordLen, s.maxSize, gz) {
		previous, previousLen := set.active, set.activeLen
		if err := set.rollover(gz); err != nil {
			return loc, err
		}
		s.metrics.RecordRollover(stem, set.active)
		if previous > 0 {
			logger.Info("Segment %s rolled over to %05d (previous segment %s)",
				stem, set.active, humanize.IBytes(uint64(previousLen)))
		}
	}

	path := set.path(set.active, gz)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return loc, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close segment %s: %w", path, cerr)
		}
	}()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return loc, fmt.Errorf("failed to seek segment %s: %w", path, err)
	}

	n, err := io.Copy(f, payload)
	if err == nil && n != recordLen {
		err = fmt.Errorf("short write: %d of %d bytes", n, recordLen)
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		// Keep the in-memory length in step with what actually hit the disk;
		// the partial record is never referenced.
		set.activeLen = offset + n
		return loc, fmt.Errorf("failed to append to segment %s: %w", path, err)
	}

	set.activeLen = offset + recordLen
	return metadata.ContentLocation{
		Stem:         stem,
		Segment:      set.active,
		Offset:       offset,
		RecordLength: recordLen,
		Length:       rec.Content.Size(),
	}, nil
}

// acquireSegment opens segment index of stem through the descriptor cache,
// trying both extensions.
func (s *SegmentStore) acquireSegment(stem string, index int) (*os.File, func(), bool, error) {
	set := s.set(stem)
	preferGz := s.compression == CompressionGzip

	for _, gz := range []bool{preferGz, !preferGz} {
		f, release, err := s.fdCache.Acquire(set.path(index, gz))
		if err == nil {
			return f, release, gz, nil
		}
		if !errors.Is(err, ErrSegmentNotFound) {
			return nil, nil, false, err
		}
	}
	return nil, nil, false, fmt.Errorf("%w: %s segment %d", ErrSegmentNotFound, stem, index)
}

// recordReader is the content reader handed out by Open.
type recordReader struct {
	io.Reader
	zr      *gzip.Reader
	release func()
}

func (r *recordReader) Close() error {
	var err error
	if r.zr != nil {
		err = r.zr.Close()
	}
	r.release()
	return err
}

// Open returns a reader bounded to exactly the content of the record at loc,
// together with the record's parsed envelope. The reader must be closed.
func (s *SegmentStore) Open(ctx context.Context, loc metadata.ContentLocation) (io.ReadCloser, *Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if s.closed.Load() {
		return nil, nil, ErrStoreClosed
	}
	if !loc.IsSet() || loc.RecordLength <= 0 || loc.Offset < 0 {
		return nil, nil, ErrInvalidLocation
	}
	stem, err := CleanStem(loc.Stem)
	if err != nil {
		return nil, nil, err
	}

	f, release, gz, err := s.acquireSegment(stem, loc.Segment)
	if err != nil {
		return nil, nil, err
	}

	var src io.Reader = io.NewSectionReader(f, loc.Offset, loc.RecordLength)
	var zr *gzip.Reader
	if gz {
		zr, err = gzip.NewReader(src)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		zr.Multistream(false)
		src = zr
	}

	br := bufio.NewReader(src)
	hdr, err := readHeader(br)
	if err == nil && hdr.ContentLength != loc.Length {
		err = fmt.Errorf("%w: content length %d, expected %d", ErrCorruptRecord, hdr.ContentLength, loc.Length)
	}
	if err != nil {
		if zr != nil {
			_ = zr.Close()
		}
		release()
		return nil, nil, err
	}

	rc := &recordReader{
		Reader:  io.LimitReader(br, hdr.ContentLength),
		zr:      zr,
		release: release,
	}
	return &metricsReadCloser{ReadCloser: rc, metrics: s.metrics}, hdr, nil
}

// Verify reads the record at loc and checks its content against the block
// digest. Records with a digest in another algorithm only get their length
// checked.
func (s *SegmentStore) Verify(ctx context.Context, loc metadata.ContentLocation) error {
	rc, hdr, err := s.Open(ctx, loc)
	if err != nil {
		return err
	}
	defer rc.Close()

	hasher := blake3.New()
	n, err := io.Copy(hasher, rc)
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	if n != hdr.ContentLength {
		return fmt.Errorf("%w: read %d of %d content bytes", ErrCorruptRecord, n, hdr.ContentLength)
	}
	if strings.HasPrefix(hdr.BlockDigest, "blake3:") && hdr.BlockDigest != formatDigest(hasher.Sum(nil)) {
		return fmt.Errorf("%w: %s segment %d offset %d", ErrDigestMismatch, loc.Stem, loc.Segment, loc.Offset)
	}
	return nil
}

// ListSegments returns the segments of stem ordered by index.
func (s *SegmentStore) ListSegments(stem string) ([]SegmentInfo, error) {
	stem, err := CleanStem(stem)
	if err != nil {
		return nil, err
	}
	set := s.set(stem)

	entries, err := os.ReadDir(set.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list segments of %s: %w", stem, err)
	}

	var out []SegmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base, index, gz, ok := parseSegmentName(e.Name())
		if !ok || base != set.base {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, SegmentInfo{
			Stem:       stem,
			Index:      index,
			Path:       filepath.Join(set.dir, e.Name()),
			Size:       info.Size(),
			Compressed: gz,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// SealedSegments returns every segment of stem except the active one.
func (s *SegmentStore) SealedSegments(stem string) ([]SegmentInfo, error) {
	segments, err := s.ListSegments(stem)
	if err != nil || len(segments) == 0 {
		return nil, err
	}
	return segments[:len(segments)-1], nil
}

// SegmentPath returns the path of an existing segment.
func (s *SegmentStore) SegmentPath(stem string, index int) (string, error) {
	stem, err := CleanStem(stem)
	if err != nil {
		return "", err
	}
	set := s.set(stem)
	for _, gz := range []bool{false, true} {
		p := set.path(index, gz)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s segment %d", ErrSegmentNotFound, stem, index)
}

// AllSegments walks the root and returns every segment of every stem.
func (s *SegmentStore) AllSegments(ctx context.Context) ([]SegmentInfo, error) {
	var out []SegmentInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == s.stagingDir {
				return filepath.SkipDir
			}
			return nil
		}

		base, index, gz, ok := parseSegmentName(d.Name())
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Join(filepath.Dir(path), base))
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, SegmentInfo{
			Stem:       filepath.ToSlash(rel),
			Index:      index,
			Path:       path,
			Size:       info.Size(),
			Compressed: gz,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk segment root: %w", err)
	}
	return out, nil
}

// Usage returns the total size in bytes of every segment file.
func (s *SegmentStore) Usage(ctx context.Context) (int64, error) {
	segments, err := s.AllSegments(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, seg := range segments {
		total += seg.Size
	}
	return total, nil
}

// RemoveSegment deletes a sealed segment. Readers holding the file open keep
// reading until they close.
func (s *SegmentStore) RemoveSegment(ctx context.Context, stem string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}
	stem, err := CleanStem(stem)
	if err != nil {
		return err
	}

	set := s.set(stem)
	set.mu.Lock()
	defer set.mu.Unlock()

	if err := set.load(); err != nil {
		return err
	}
	if index == set.active {
		return fmt.Errorf("%w: %s segment %d", ErrActiveSegment, stem, index)
	}

	path, err := s.SegmentPath(stem, index)
	if err != nil {
		return err
	}
	s.fdCache.Remove(path)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove segment %s: %w", path, err)
	}
	return nil
}

// Close releases cached descriptors. The store must not be used afterwards.
func (s *SegmentStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.fdCache.Close()
	return nil
}
