// coordd is the coordination daemon: it wires configuration into the
// coordinator, serves the ops API, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developer-mesh/coordination/internal/api"
	"github.com/developer-mesh/coordination/pkg/common/config"
	"github.com/developer-mesh/coordination/pkg/coordinator"
	"github.com/developer-mesh/coordination/pkg/observability"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (optional)")
	flag.Parse()

	logger := observability.NewStandardLogger("coordd")
	if err := run(*configPath, logger); err != nil {
		logger.Error("Fatal", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(configPath string, logger observability.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	coord, err := coordinator.New(cfg, coordinator.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(coord, api.Config{
		ListenAddress:    cfg.API.ListenAddress,
		PrometheusExport: cfg.Metrics.PrometheusEnabled,
	}, logger.WithPrefix("api"))

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-serverErr:
		if err != nil {
			logger.Error("Ops API failed", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("Ops API shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Coordinator shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
