package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/edvin/metrics-exporter/internal/config"
	"github.com/edvin/metrics-exporter/internal/db"
	"github.com/edvin/metrics-exporter/internal/exporter"
	"github.com/edvin/metrics-exporter/internal/logging"
	"github.com/edvin/metrics-exporter/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Msgf(format, args...)
	})); err != nil {
		logger.Warn().Err(err).Msg("failed to set GOMAXPROCS")
	}

	if err := run(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("metrics exporter failed")
	}
}

// run returns instead of exiting so its deferred cleanup always runs.
func run(logger zerolog.Logger, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		if err := metrics.RegisterPgxPoolMetrics(reg, pool); err != nil {
			return fmt.Errorf("register pool metrics: %w", err)
		}
	}

	exp, err := exporter.Init(ctx, logger, cfg, reg)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("shutting down metrics exporter")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := exp.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	case <-exp.Done():
		return exp.Wait()
	}
}
