package config

import (
	"strings"
	"testing"
)

func validArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled: true,
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "auvault",
			PartSize:       "16MiB",
			BytesPerSecond: "0",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_Repository(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RepositoryConfig)
		wantErr string
	}{
		{"unknown compression", func(c *RepositoryConfig) { c.Compression = "zstd" }, "oneof"},
		{"unparsable segment size", func(c *RepositoryConfig) { c.MaxSegmentSize = "huge" }, "invalid size"},
		{"zero segment size", func(c *RepositoryConfig) { c.MaxSegmentSize = "0" }, "greater than zero"},
		{"unparsable spill threshold", func(c *RepositoryConfig) { c.SpillThreshold = "-1KB" }, "spill_threshold"},
		{"negative fd cache", func(c *RepositoryConfig) { c.FDCacheSize = -1 }, "gte"},
		{"max load above one", func(c *RepositoryConfig) { c.SizeCalc.MaxLoad = 1.5 }, "lte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfg := GetDefaultConfig()
			tt.mutate(&cfg.Repository)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_Registry(t *testing.T) {
	tests := []struct {
		name    string
		reg     RegistryConfig
		wantErr string
	}{
		{
			name:    "no shards",
			reg:     RegistryConfig{MaxShards: 2},
			wantErr: "at least one shard",
		},
		{
			name: "duplicate key",
			reg: RegistryConfig{MaxShards: 2, Shards: []ShardConfig{
				{Key: "a", Type: "badger", Path: "/a"},
				{Key: "a", Type: "badger", Path: "/b"},
			}},
			wantErr: "duplicate shard key",
		},
		{
			name: "shared path",
			reg: RegistryConfig{MaxShards: 2, Shards: []ShardConfig{
				{Key: "a", Type: "badger", Path: "/a"},
				{Key: "b", Type: "memory", Path: "/a"},
			}},
			wantErr: "used by another shard",
		},
		{
			name: "more shards than capacity",
			reg: RegistryConfig{MaxShards: 1, Shards: []ShardConfig{
				{Key: "a", Type: "badger", Path: "/a"},
				{Key: "b", Type: "badger", Path: "/b"},
			}},
			wantErr: "max_shards is 1",
		},
		{
			name: "unknown type",
			reg: RegistryConfig{MaxShards: 1, Shards: []ShardConfig{
				{Key: "a", Type: "postgres", Path: "/a"},
			}},
			wantErr: "oneof",
		},
		{
			name: "missing path",
			reg: RegistryConfig{MaxShards: 1, Shards: []ShardConfig{
				{Key: "a", Type: "badger"},
			}},
			wantErr: "required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfg := GetDefaultConfig()
			cfg.Registry = tt.reg

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_Archive(t *testing.T) {
	isolate(t)

	cfg := GetDefaultConfig()
	cfg.Archive = validArchiveConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected valid archive config, got: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*S3Config)
		wantErr string
	}{
		{"missing bucket", func(c *S3Config) { c.Bucket = "" }, "bucket"},
		{"missing region", func(c *S3Config) { c.Region = "" }, "region"},
		{"half credentials", func(c *S3Config) { c.AccessKeyID = "key" }, "must be set together"},
		{"small parts", func(c *S3Config) { c.PartSize = "1MiB" }, "below the S3 minimum"},
		{"bad bandwidth", func(c *S3Config) { c.BytesPerSecond = "fast" }, "bytes_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.Archive = validArchiveConfig()
			tt.mutate(&cfg.Archive.S3)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_ArchiveDisabledIgnoresS3(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Archive.S3.Bucket = ""
	cfg.Archive.S3.PartSize = "1KiB"

	if err := Validate(cfg); err != nil {
		t.Errorf("Expected disabled archive settings to be ignored, got: %v", err)
	}
}

func TestValidate_MetricsPort(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.Metrics.Port = 70000

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for out of range port")
	}
}

func TestValidate_NegativeMinAge(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()
	cfg.GC.MinAge = -1

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for negative min_age")
	}
}
