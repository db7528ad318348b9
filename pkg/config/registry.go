package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/gc"
	"github.com/marmos91/auvault/pkg/registry"
	"github.com/marmos91/auvault/pkg/repository"
)

// InitializeRegistry creates a registry and opens every configured shard in
// order.
//
// Shards created later under keys that are not in the configuration are
// opened as badger shards with the shared settings.
//
// On failure every shard opened so far is closed.
func InitializeRegistry(ctx context.Context, cfg *Config, m *MetricsResult) (*registry.Registry, error) {
	if m == nil {
		m = &MetricsResult{}
	}

	template, err := shardTemplate(ctx, cfg, m)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*ShardConfig, len(cfg.Registry.Shards))
	for i := range cfg.Registry.Shards {
		sc := &cfg.Registry.Shards[i]
		byKey[sc.Key] = sc
	}

	reg := registry.New(registry.Config{
		MaxShards:    cfg.Registry.MaxShards,
		ShardOptions: template,
		Opener: func(ctx context.Context, key, location string) (*repository.Shard, error) {
			sc, ok := byKey[key]
			if !ok {
				sc = &ShardConfig{Key: key, Type: "badger", Path: location}
			}
			opts, err := CreateShardOptions(sc, template)
			if err != nil {
				return nil, err
			}
			opts.Dir = location
			return repository.OpenShard(ctx, opts)
		},
	})

	for _, sc := range cfg.Registry.Shards {
		if _, err := reg.CreateShard(ctx, sc.Key, sc.Path); err != nil {
			return nil, errors.Join(
				fmt.Errorf("failed to open shard %q: %w", sc.Key, err),
				reg.Close(),
			)
		}
		logger.Info("Shard %q opened: type=%s, path=%s", sc.Key, sc.Type, sc.Path)
	}

	return reg, nil
}

// shardTemplate holds the settings every shard shares.
func shardTemplate(ctx context.Context, cfg *Config, m *MetricsResult) (repository.ShardOptions, error) {
	segments, err := CreateSegmentConfig(&cfg.Repository, m.Segments)
	if err != nil {
		return repository.ShardOptions{}, err
	}

	archiver, err := CreateArchiver(ctx, &cfg.Archive, m.S3)
	if err != nil {
		return repository.ShardOptions{}, err
	}

	return repository.ShardOptions{
		Content: segments,
		SizeCalc: repository.SizeCalcConfig{
			MaxLoad:      cfg.Repository.SizeCalc.MaxLoad,
			PollInterval: cfg.Repository.SizeCalc.PollInterval,
		},
		Archiver: archiver,
		Metrics:  m.Repository,
	}, nil
}

// CreateCollectors builds one garbage collector per registered shard.
// Collectors are returned stopped.
func CreateCollectors(cfg *GCConfig, reg *registry.Registry, metrics gc.Metrics) ([]*gc.Collector, error) {
	gcCfg := gc.Config{
		Enabled:      cfg.Enabled,
		Interval:     cfg.Interval,
		MinAge:       cfg.MinAge,
		DryRun:       cfg.DryRun,
		SkipValueLog: cfg.SkipValueLog,
	}

	shards := reg.Shards()
	collectors := make([]*gc.Collector, 0, len(shards))
	for _, shard := range shards {
		c, err := gc.NewCollector(shard, gcCfg, metrics)
		if err != nil {
			return nil, fmt.Errorf("shard %q: %w", shard.Name(), err)
		}
		collectors = append(collectors, c)
	}
	return collectors, nil
}
