package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/config"
	"github.com/marmos91/auvault/pkg/gc"
	"github.com/marmos91/auvault/pkg/registry"
)

func runServe(ctx context.Context, args []string) error {
	fs, g := newFlagSet("serve", "[--config path]")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	cfg, closer, err := loadConfig(g)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Println("auvault - AU content repository")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	// The health check runs once the registry below is installed
	health := func(ctx context.Context) error {
		reg, err := registry.Default()
		if err != nil {
			return err
		}
		return reg.Healthcheck(ctx)
	}
	metricsResult := config.InitializeMetrics(cfg, health)

	reg, err := config.InitializeRegistry(ctx, cfg, metricsResult)
	if err != nil {
		return err
	}
	if err := registry.Init(reg); err != nil {
		_ = reg.Close()
		return err
	}
	defer func() {
		if err := registry.Reset(); err != nil {
			logger.Error("Failed to close shards: %v", err)
		}
	}()
	logger.Info("Registry ready: %d shard(s), capacity %d", reg.Count(), reg.MaxShards())

	collectors, err := config.CreateCollectors(&cfg.GC, reg, metricsResult.GC)
	if err != nil {
		return err
	}
	for _, c := range collectors {
		c.Start()
	}

	serverDone := make(chan error, 1)
	waitServer := metricsResult.Server != nil
	if waitServer {
		go func() {
			serverDone <- metricsResult.Server.Start(ctx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("auvault is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverDone:
		runErr = err
		waitServer = false
		logger.Error("Metrics server stopped: %v", err)
	}
	cancel()

	return errors.Join(runErr, shutdown(cfg, collectors, waitServer, serverDone))
}

// shutdown stops the collectors and waits for the metrics server, bounded by
// the configured shutdown timeout. Shards are closed by the caller.
func shutdown(cfg *config.Config, collectors []*gc.Collector, waitServer bool, serverDone <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, c := range collectors {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if waitServer {
		select {
		case err := <-serverDone:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("metrics server: %w", ctx.Err()))
		}
	}

	if len(errs) == 0 {
		logger.Info("Server stopped gracefully")
	}
	return errors.Join(errs...)
}
