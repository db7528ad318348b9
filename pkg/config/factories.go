package config

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/repository"
	"github.com/marmos91/auvault/pkg/store/content"
	s3store "github.com/marmos91/auvault/pkg/store/content/s3"
)

// ConfigureLogging applies the logging section to the process logger.
//
// When Output is a file path the file is opened for appending; the returned
// closer releases it and is a no-op for stdout and stderr.
func ConfigureLogging(cfg *LoggingConfig) (io.Closer, error) {
	logger.SetLevel(cfg.Level)
	logger.SetFormat(cfg.Format)

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
		return f, nil
	}
	return nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CreateSegmentConfig converts the repository section into a segment store
// configuration. RootDir is left for the shard to fill in.
func CreateSegmentConfig(cfg *RepositoryConfig, metrics content.SegmentMetrics) (content.Config, error) {
	maxSize, err := parseSize("repository.max_segment_size", cfg.MaxSegmentSize)
	if err != nil {
		return content.Config{}, err
	}
	spill, err := parseSize("repository.spill_threshold", cfg.SpillThreshold)
	if err != nil {
		return content.Config{}, err
	}

	return content.Config{
		MaxSegmentSize: int64(maxSize),
		SpillThreshold: int64(spill),
		Compression:    content.Compression(cfg.Compression),
		FDCacheSize:    cfg.FDCacheSize,
		Metrics:        metrics,
	}, nil
}

// CreateS3Client builds an S3 client from the archive settings.
func CreateS3Client(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))

	// Static credentials, otherwise the default credential chain
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and Localstack need path-style addressing
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return client, nil
}

// CreateArchiver builds the segment archiver shared by every shard.
//
// Returns nil without error when archiving is disabled.
func CreateArchiver(ctx context.Context, cfg *ArchiveConfig, metrics s3store.S3Metrics) (*s3store.Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	partSize, err := parseSize("archive.s3.part_size", cfg.S3.PartSize)
	if err != nil {
		return nil, err
	}
	bandwidth, err := parseSize("archive.s3.bytes_per_second", cfg.S3.BytesPerSecond)
	if err != nil {
		return nil, err
	}

	client, err := CreateS3Client(ctx, &cfg.S3)
	if err != nil {
		return nil, err
	}

	archiver, err := s3store.NewArchiver(s3store.ArchiverConfig{
		Client:           client,
		Bucket:           cfg.S3.Bucket,
		KeyPrefix:        cfg.S3.KeyPrefix,
		PartSize:         int64(partSize),
		BytesPerSecond:   uint(bandwidth),
		UploadsPerSecond: cfg.S3.UploadsPerSecond,
		Metrics:          metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archiver: %w", err)
	}

	logger.Info("Archiver initialized: bucket=%s, region=%s, prefix=%s",
		cfg.S3.Bucket, cfg.S3.Region, cfg.S3.KeyPrefix)

	return archiver, nil
}

// badgerOptions is the type-specific section of a badger shard.
type badgerOptions struct {
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`
}

// CreateShardOptions builds the options a configured shard is opened with
// from the shared template.
func CreateShardOptions(sc *ShardConfig, template repository.ShardOptions) (repository.ShardOptions, error) {
	opts := template
	opts.Name = sc.Key
	opts.Dir = sc.Path

	switch sc.Type {
	case "memory":
		opts.InMemory = true
	case "badger":
		var bo badgerOptions
		if err := mapstructure.Decode(sc.Badger, &bo); err != nil {
			return repository.ShardOptions{}, fmt.Errorf("shard %q: failed to decode badger config: %w", sc.Key, err)
		}
		if bo.BlockCacheSizeMB < 0 || bo.IndexCacheSizeMB < 0 {
			return repository.ShardOptions{}, fmt.Errorf("shard %q: badger cache sizes must not be negative", sc.Key)
		}
		opts.BlockCacheSizeMB = bo.BlockCacheSizeMB
		opts.IndexCacheSizeMB = bo.IndexCacheSizeMB
	default:
		return repository.ShardOptions{}, fmt.Errorf("shard %q: unsupported type %q", sc.Key, sc.Type)
	}

	return opts, nil
}
