package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/auvault/pkg/gc"
	"github.com/marmos91/auvault/pkg/metrics"
	"github.com/marmos91/auvault/pkg/registry"
	"github.com/marmos91/auvault/pkg/repository"
	"github.com/marmos91/auvault/pkg/store/content"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Booleans keep their zero value; GetDefaultConfig turns features on
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyRepositoryDefaults(&cfg.Repository)
	applyRegistryDefaults(&cfg.Registry)
	applyArchiveDefaults(&cfg.Archive)
	applyGCDefaults(&cfg.GC)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyRepositoryDefaults(cfg *RepositoryConfig) {
	if cfg.MaxSegmentSize == "" {
		cfg.MaxSegmentSize = "1GiB"
	}
	if cfg.SpillThreshold == "" {
		cfg.SpillThreshold = "10KiB"
	}
	if cfg.Compression == "" {
		cfg.Compression = string(content.CompressionNone)
	}
	if cfg.FDCacheSize == 0 {
		cfg.FDCacheSize = content.DefaultFDCacheSize
	}
	if cfg.SizeCalc.MaxLoad == 0 {
		cfg.SizeCalc.MaxLoad = repository.DefaultMaxLoad
	}
	if cfg.SizeCalc.PollInterval == 0 {
		cfg.SizeCalc.PollInterval = repository.DefaultPollInterval
	}
}

// applyRegistryDefaults sets the shard capacity and, when no shard is
// configured, a single badger shard under the data directory.
func applyRegistryDefaults(cfg *RegistryConfig) {
	if cfg.MaxShards == 0 {
		cfg.MaxShards = registry.DefaultMaxShards
	}

	if len(cfg.Shards) == 0 {
		cfg.Shards = []ShardConfig{
			{
				Key:  "default",
				Type: "badger",
				Path: filepath.Join(getDataDir(), "default"),
			},
		}
	}

	for i := range cfg.Shards {
		shard := &cfg.Shards[i]
		if shard.Type == "" {
			shard.Type = "badger"
		}
		if shard.Badger == nil {
			shard.Badger = make(map[string]any)
		}
	}
}

func applyArchiveDefaults(cfg *ArchiveConfig) {
	if cfg.S3.PartSize == "" {
		cfg.S3.PartSize = "16MiB"
	}
	if cfg.S3.BytesPerSecond == "" {
		cfg.S3.BytesPerSecond = "0"
	}
	if cfg.S3.MaxRetries == 0 {
		// Higher than the AWS default of 3: archiving runs unattended
		cfg.S3.MaxRetries = 10
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = gc.DefaultInterval
	}
	if cfg.MinAge == 0 {
		cfg.MinAge = time.Hour
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = metrics.DefaultPort
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		GC: GCConfig{
			Enabled: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
