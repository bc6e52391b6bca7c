package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/telemetry"
	"github.com/marmos91/vdodedupe/pkg/config"
	"github.com/marmos91/vdodedupe/pkg/metrics"
	"github.com/marmos91/vdodedupe/pkg/vdo"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a vdodedupe device and block until signaled to stop",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "vdodedupe",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer telemetryShutdown(context.Background())

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "vdodedupe",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("init profiling: %w", err)
	}
	defer profilingShutdown()

	var openOpts []vdo.Option
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := metrics.InitRegistry()
		openOpts = append(openOpts, vdo.WithRegistry(registry))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server exited", logger.Err(err))
			}
		}()
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
	}

	dev, err := vdo.Open(cfg, openOpts...)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	logger.Info("device started", "path", cfg.Device.Path)

	// Only the logging level is safe to apply without a restart: zone
	// counts, queue depth, and every storage path are fixed for the life
	// of the Device a config change can't rewire in place.
	if err := config.WatchConfig(configPath, func(next *config.Config) {
		logger.SetLevel(next.Logging.Level)
		logger.Info("log level reloaded", "level", next.Logging.Level)
	}, func(err error) {
		logger.Warn("config reload failed, keeping current settings", logger.Err(err))
	}); err != nil {
		logger.Warn("config hot-reload watch not installed", logger.Err(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	dev.Stop()
	if err := dev.Close(); err != nil {
		logger.Error("device close failed", logger.Err(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", logger.Err(err))
		}
	}

	logger.Info("device stopped")
	return nil
}
