package config

import (
	"github.com/marmos91/auvault/pkg/gc"
	"github.com/marmos91/auvault/pkg/metrics"
	"github.com/marmos91/auvault/pkg/repository"
	"github.com/marmos91/auvault/pkg/store/content"
	s3store "github.com/marmos91/auvault/pkg/store/content/s3"
)

// MetricsResult contains all metrics-related components created from configuration.
//
// Every collector is nil when metrics are disabled; the components it is
// passed to fall back to their no-op implementations.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	Repository repository.Metrics
	Segments   content.SegmentMetrics
	S3         s3store.S3Metrics
	GC         gc.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server, with health backing /healthz
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled it returns an empty result.
func InitializeMetrics(cfg *Config, health metrics.HealthFunc) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:   cfg.Metrics.Port,
		Health: health,
	})

	return &MetricsResult{
		Server:     server,
		Repository: metrics.NewRepositoryMetrics(),
		Segments:   metrics.NewSegmentMetrics(),
		S3:         metrics.NewS3Metrics(),
		GC:         metrics.NewGCMetrics(),
	}
}
