package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete auvault configuration.
//
// This structure captures all configurable aspects of a repository process:
//   - Logging configuration
//   - Process-wide settings
//   - Segment store and size worker tuning shared by every shard
//   - The shard registry and the shards opened at startup
//   - Archiving of sealed segments to S3
//   - Segment garbage collection
//   - The metrics endpoint
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (AUVAULT_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains process-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Repository tunes the segment store and size worker of every shard
	Repository RepositoryConfig `mapstructure:"repository" yaml:"repository"`

	// Registry lists the shards to open and bounds how many may exist
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`

	// Archive configures uploads of sealed segments
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`

	// GC configures orphaned segment collection
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// RepositoryConfig holds the settings every shard is opened with.
//
// Sizes are human readable ("1GiB", "10KiB", "512MB").
type RepositoryConfig struct {
	// MaxSegmentSize caps a segment file before a new one is started
	MaxSegmentSize string `mapstructure:"max_segment_size" yaml:"max_segment_size" validate:"required"`

	// SpillThreshold is the in-memory staging size above which new
	// version content moves to a temporary file
	SpillThreshold string `mapstructure:"spill_threshold" yaml:"spill_threshold" validate:"required"`

	// Compression selects plain or gzip segments
	// Valid values: none, gzip
	Compression string `mapstructure:"compression" yaml:"compression" validate:"required,oneof=none gzip"`

	// FDCacheSize bounds the segment files kept open for reading
	FDCacheSize int `mapstructure:"fd_cache_size" yaml:"fd_cache_size" validate:"gte=0"`

	// SizeCalc throttles the background tree size worker
	SizeCalc SizeCalcConfig `mapstructure:"size_calc" yaml:"size_calc"`
}

// SizeCalcConfig throttles the background tree size worker.
type SizeCalcConfig struct {
	// MaxLoad is the fraction of time the worker may spend computing
	MaxLoad float64 `mapstructure:"max_load" yaml:"max_load" validate:"gt=0,lte=1"`

	// PollInterval is the longest single wait for queued work
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
}

// RegistryConfig lists the shards opened at startup.
type RegistryConfig struct {
	// MaxShards bounds the number of distinct shards
	MaxShards int `mapstructure:"max_shards" yaml:"max_shards" validate:"gte=1"`

	// Shards are opened in order and take part in AU assignment
	Shards []ShardConfig `mapstructure:"shards" yaml:"shards" validate:"dive"`
}

// ShardConfig defines a single shard.
//
// The Type field determines which metadata store backs the shard. Segments
// always live on disk under Path.
type ShardConfig struct {
	// Key names the shard in the registry
	Key string `mapstructure:"key" yaml:"key" validate:"required"`

	// Type specifies the metadata store implementation
	// Valid values: badger, memory
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=badger memory"`

	// Path is the shard directory ("metadata" and "segments" live below it)
	Path string `mapstructure:"path" yaml:"path" validate:"required"`

	// Badger contains BadgerDB-specific tuning
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// ArchiveConfig configures uploads of sealed segments.
type ArchiveConfig struct {
	// Enabled turns on the archiver for every shard
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// S3 holds the bucket and client settings
	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures the S3 client and the archiver built on it.
type S3Config struct {
	Region    string `mapstructure:"region" yaml:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// Endpoint overrides the AWS endpoint (MinIO, Localstack, ...)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Static credentials; empty uses the default credential chain
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// PartSize is the multipart upload part size (minimum 5MiB)
	PartSize string `mapstructure:"part_size" yaml:"part_size"`

	// MaxRetries is the number of attempts for transient S3 failures
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`

	// BytesPerSecond caps upload bandwidth, human readable ("0" = unlimited)
	BytesPerSecond string `mapstructure:"bytes_per_second" yaml:"bytes_per_second"`

	// UploadsPerSecond caps the objects started per second (0 = unlimited)
	UploadsPerSecond uint `mapstructure:"uploads_per_second" yaml:"uploads_per_second"`
}

// GCConfig configures orphaned segment collection.
type GCConfig struct {
	// Enabled runs the collector periodically while serving
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between collections
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// MinAge spares segments modified more recently than this
	MinAge time.Duration `mapstructure:"min_age" yaml:"min_age" validate:"gte=0"`

	// DryRun reports orphans without removing them
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`

	// SkipValueLog disables BadgerDB value log collection
	SkipValueLog bool `mapstructure:"skip_value_log" yaml:"skip_value_log"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled starts the metrics server
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port to listen on
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (AUVAULT_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: AUVAULT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("AUVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/auvault/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Defaults only
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "auvault")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "auvault")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}

// getDataDir returns the default directory for shard data.
//
// Uses XDG_DATA_HOME if set, otherwise ~/.local/share.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "auvault")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "auvault")
	}

	return filepath.Join(home, ".local", "share", "auvault")
}
