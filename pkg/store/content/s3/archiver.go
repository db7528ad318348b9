package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/internal/ratelimiter"
	"github.com/marmos91/auvault/pkg/store/content"
)

const (
	// DefaultPartSize is the multipart upload part size (and the largest
	// segment uploaded with a single PutObject).
	DefaultPartSize int64 = 16 << 20

	// minPartSize is the S3 minimum for every part but the last.
	minPartSize int64 = 5 << 20
)

// Client is the subset of the S3 API the archiver uses. *s3.Client
// satisfies it.
type Client interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// ArchiverConfig contains configuration for the segment archiver.
type ArchiverConfig struct {
	// Client is the configured S3 client
	Client Client

	// Bucket is the S3 bucket name. The bucket must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "auvault/" results in keys like "auvault/<au>/WARC00001.warc"
	KeyPrefix string

	// PartSize is the size of each part for multipart uploads (default: 16MB)
	// Must be at least 5MB
	PartSize int64

	// BytesPerSecond caps upload bandwidth (0 = unlimited)
	BytesPerSecond uint

	// UploadsPerSecond caps the number of objects started per second (0 = unlimited)
	UploadsPerSecond uint

	// Metrics is optional; nil disables metrics
	Metrics S3Metrics
}

// Archiver uploads sealed segments to S3.
//
// Segments are immutable once sealed, so an object that already exists with
// the segment's size is skipped. Object keys mirror the stem layout:
// <prefix>/<stem directory>/<segment file name>.
//
// Thread Safety:
// Safe for concurrent use; the rate limiters are shared.
type Archiver struct {
	client    Client
	bucket    string
	keyPrefix string
	partSize  int64
	bandwidth *ratelimiter.RateLimiter
	uploads   *ratelimiter.RateLimiter
	metrics   S3Metrics
}

// ArchiveStats summarizes one archive run.
type ArchiveStats struct {
	Uploaded int
	Skipped  int
	Bytes    int64
}

// NewArchiver creates an archiver. It does not contact S3.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("s3 archiver: client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archiver: bucket is required")
	}

	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	if partSize < minPartSize {
		return nil, fmt.Errorf("s3 archiver: part size %d below the S3 minimum of %d", partSize, minPartSize)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Archiver{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: strings.Trim(cfg.KeyPrefix, "/"),
		partSize:  partSize,
		bandwidth: ratelimiter.New(cfg.BytesPerSecond, 0),
		uploads:   ratelimiter.New(cfg.UploadsPerSecond, 1),
		metrics:   metrics,
	}, nil
}

// ObjectKey returns the key a segment is archived under.
func (a *Archiver) ObjectKey(seg content.SegmentInfo) string {
	key := path.Join(path.Dir(seg.Stem), filepath.Base(seg.Path))
	if a.keyPrefix != "" {
		key = a.keyPrefix + "/" + key
	}
	return key
}

// ArchiveSealed uploads every sealed segment of stem. The active segment is
// never uploaded.
func (a *Archiver) ArchiveSealed(ctx context.Context, store *content.SegmentStore, stem string) (ArchiveStats, error) {
	var stats ArchiveStats

	sealed, err := store.SealedSegments(stem)
	if err != nil {
		return stats, err
	}

	for _, seg := range sealed {
		uploaded, err := a.ArchiveSegment(ctx, seg)
		if err != nil {
			a.metrics.RecordSegment("failed")
			return stats, err
		}
		if uploaded {
			a.metrics.RecordSegment("uploaded")
			stats.Uploaded++
			stats.Bytes += seg.Size
		} else {
			a.metrics.RecordSegment("skipped")
			stats.Skipped++
		}
	}

	if stats.Uploaded > 0 {
		logger.Info("Archived %d segment(s) of %s to s3://%s (%s, %d already present)",
			stats.Uploaded, stem, a.bucket, humanize.IBytes(uint64(stats.Bytes)), stats.Skipped)
	}
	return stats, nil
}

// ArchiveSegment uploads one segment unless an object of the same size
// already exists. It reports whether an upload happened.
func (a *Archiver) ArchiveSegment(ctx context.Context, seg content.SegmentInfo) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := a.ObjectKey(seg)

	// ========================================================================
	// Step 1: Skip segments that are already archived
	// ========================================================================

	exists, err := a.objectExists(ctx, key, seg.Size)
	if err != nil {
		return false, err
	}
	if exists {
		logger.Debug("Segment %s already archived as %s", seg.Path, key)
		return false, nil
	}

	// ========================================================================
	// Step 2: Upload, throttled
	// ========================================================================

	if err := a.uploads.Wait(ctx); err != nil {
		return false, err
	}

	f, err := os.Open(seg.Path)
	if err != nil {
		return false, fmt.Errorf("failed to open segment %s: %w", seg.Path, err)
	}
	defer f.Close()

	body := a.bandwidth.Reader(ctx, f)
	if seg.Size <= a.partSize {
		err = a.putObject(ctx, key, body, seg.Size)
	} else {
		err = a.multipartUpload(ctx, key, body)
	}
	if err != nil {
		return false, err
	}

	a.metrics.RecordBytes("upload", seg.Size)
	logger.Debug("Archived segment %s as s3://%s/%s (%s)", seg.Path, a.bucket, key, humanize.IBytes(uint64(seg.Size)))
	return true, nil
}

// objectExists reports whether key exists with the given size.
func (a *Archiver) objectExists(ctx context.Context, key string, size int64) (bool, error) {
	start := time.Now()
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		a.metrics.ObserveOperation("HeadObject", time.Since(start), nil)
		return false, nil
	}
	a.metrics.ObserveOperation("HeadObject", time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to check object %s: %w", key, err)
	}
	return out.ContentLength != nil && *out.ContentLength == size, nil
}

// isNotFound reports whether err is S3's answer for a missing object.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode() == "NotFound" || coded.ErrorCode() == "NoSuchKey"
	}
	return false
}

func (a *Archiver) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	data := make([]byte, size)
	if _, err := io.ReadFull(body, data); err != nil {
		return fmt.Errorf("failed to read segment for %s: %w", key, err)
	}

	start := time.Now()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
	})
	a.metrics.ObserveOperation("PutObject", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
