package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_Empty(t *testing.T) {
	isolate(t)
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Repository.SpillThreshold != "10KiB" {
		t.Errorf("Expected spill_threshold 10KiB, got %q", cfg.Repository.SpillThreshold)
	}
	if cfg.Repository.Compression != "none" {
		t.Errorf("Expected compression none, got %q", cfg.Repository.Compression)
	}
	if cfg.Repository.FDCacheSize != 256 {
		t.Errorf("Expected fd_cache_size 256, got %d", cfg.Repository.FDCacheSize)
	}
	if cfg.Repository.SizeCalc.MaxLoad != 0.5 {
		t.Errorf("Expected max_load 0.5, got %v", cfg.Repository.SizeCalc.MaxLoad)
	}
	if cfg.Repository.SizeCalc.PollInterval != time.Minute {
		t.Errorf("Expected poll_interval 1m, got %v", cfg.Repository.SizeCalc.PollInterval)
	}
	if cfg.Archive.S3.PartSize != "16MiB" {
		t.Errorf("Expected part_size 16MiB, got %q", cfg.Archive.S3.PartSize)
	}
	if cfg.Archive.S3.MaxRetries != 10 {
		t.Errorf("Expected max_retries 10, got %d", cfg.Archive.S3.MaxRetries)
	}
	if cfg.GC.Interval != 24*time.Hour {
		t.Errorf("Expected gc interval 24h, got %v", cfg.GC.Interval)
	}
	if cfg.GC.MinAge != time.Hour {
		t.Errorf("Expected gc min_age 1h, got %v", cfg.GC.MinAge)
	}

	// Features stay off unless asked for
	if cfg.GC.Enabled || cfg.Archive.Enabled || cfg.Metrics.Enabled {
		t.Errorf("Expected gc, archive and metrics disabled, got %+v %+v %+v", cfg.GC, cfg.Archive, cfg.Metrics)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	isolate(t)
	cfg := &Config{
		Logging: LoggingConfig{Level: "debug", Format: "json", Output: "stderr"},
		Repository: RepositoryConfig{
			MaxSegmentSize: "64MiB",
			Compression:    "gzip",
			SizeCalc:       SizeCalcConfig{MaxLoad: 0.1},
		},
		Registry: RegistryConfig{
			MaxShards: 3,
			Shards:    []ShardConfig{{Key: "a", Path: "/a"}},
		},
		GC:      GCConfig{Interval: time.Hour, MinAge: time.Minute},
		Metrics: MetricsConfig{Port: 9100},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Expected explicit logging values, got %+v", cfg.Logging)
	}
	if cfg.Repository.MaxSegmentSize != "64MiB" || cfg.Repository.Compression != "gzip" {
		t.Errorf("Expected explicit repository values, got %+v", cfg.Repository)
	}
	if cfg.Repository.SizeCalc.MaxLoad != 0.1 {
		t.Errorf("Expected max_load 0.1, got %v", cfg.Repository.SizeCalc.MaxLoad)
	}
	if cfg.Registry.MaxShards != 3 || len(cfg.Registry.Shards) != 1 {
		t.Errorf("Expected explicit registry, got %+v", cfg.Registry)
	}
	if cfg.Registry.Shards[0].Type != "badger" {
		t.Errorf("Expected shard type to default to badger, got %q", cfg.Registry.Shards[0].Type)
	}
	if cfg.Registry.Shards[0].Badger == nil {
		t.Error("Expected badger options map to be initialized")
	}
	if cfg.GC.Interval != time.Hour || cfg.GC.MinAge != time.Minute {
		t.Errorf("Expected explicit gc values, got %+v", cfg.GC)
	}
	if cfg.Metrics.Port != 9100 {
		t.Errorf("Expected metrics port 9100, got %d", cfg.Metrics.Port)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()

	if !cfg.GC.Enabled {
		t.Error("Expected gc enabled in the default config")
	}
	if len(cfg.Registry.Shards) != 1 || cfg.Registry.Shards[0].Key != "default" {
		t.Errorf("Expected a single default shard, got %+v", cfg.Registry.Shards)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected default config to be valid, got: %v", err)
	}
}
