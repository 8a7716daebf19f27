// Package exporter starts the Prometheus metrics endpoint for an embedding
// process and hands back a handle to the running server.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/metrics-exporter/internal/config"
	"github.com/edvin/metrics-exporter/internal/metrics"
)

// Exporter is a running metrics endpoint together with the registry it serves.
type Exporter struct {
	logger   zerolog.Logger
	registry *metrics.Registry
	handle   *metrics.Handle
	// done closes after the server has stopped and the registry is released.
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Init creates the registry accessor over reg, binds the listener and serves
// in the background. Initialization and bind failures are logged and returned;
// in either case nothing is left serving.
func Init(ctx context.Context, logger zerolog.Logger, cfg *config.Config, reg *prometheus.Registry) (*Exporter, error) {
	registry, err := metrics.NewRegistry(reg, registryOptions(cfg)...)
	if err != nil {
		logger.Error().Err(err).Msg("could not create prometheus exporter")
		return nil, err
	}

	tlsConfig, err := cfg.ServerTLS()
	if err != nil {
		logger.Error().Err(err).Msg("could not configure metrics TLS")
		return nil, errors.Join(err, registry.Shutdown(context.WithoutCancel(ctx)))
	}

	srv := metrics.NewServer(logger, metrics.ServerConfig{
		Addr:            cfg.ListenAddr,
		Path:            cfg.MetricsPath,
		ShutdownTimeout: cfg.ShutdownTimeout,
		TLS:             tlsConfig,
	}, registry)

	handle, err := srv.Start(ctx)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.ListenAddr).Msg("could not bind metrics listener")
		return nil, errors.Join(err, registry.Shutdown(context.WithoutCancel(ctx)))
	}

	e := &Exporter{logger: logger, registry: registry, handle: handle, done: make(chan struct{})}
	go e.release()
	return e, nil
}

// release frees the registry however the server stops, so a stopped exporter
// never holds the global meter provider.
func (e *Exporter) release() {
	<-e.handle.Done()
	if err := e.closeRegistry(context.Background()); err != nil {
		e.logger.Error().Err(err).Msg("could not release metrics registry")
	}
	close(e.done)
}

func registryOptions(cfg *config.Config) []metrics.Option {
	opts := []metrics.Option{metrics.WithServiceName(cfg.ServiceName)}
	if cfg.OTelGlobal {
		opts = append(opts, metrics.WithGlobalMeterProvider())
	}
	if cfg.OTelTargetInfo {
		opts = append(opts, metrics.WithTargetInfo())
	}
	if cfg.GoCollector {
		opts = append(opts, metrics.WithGoCollector())
	}
	if cfg.ProcessCollector {
		opts = append(opts, metrics.WithProcessCollector())
	}
	if cfg.BuildInfoCollector {
		opts = append(opts, metrics.WithBuildInfoCollector())
	}
	return opts
}

// Addr is the address the listener is bound to.
func (e *Exporter) Addr() net.Addr { return e.handle.Addr() }

// Registry is the accessor the endpoint serves.
func (e *Exporter) Registry() *metrics.Registry { return e.registry }

// Done is closed once the server has stopped and the registry is released.
func (e *Exporter) Done() <-chan struct{} { return e.done }

// Wait blocks until the server stops and the registry is released.
func (e *Exporter) Wait() error {
	err := e.handle.Wait()
	if err != nil {
		e.logger.Error().Err(err).Msg("metrics server stopped")
	}
	<-e.done
	return errors.Join(err, e.closeErr)
}

// Shutdown stops the server and then the registry, so no scrape observes a
// torn-down registry.
func (e *Exporter) Shutdown(ctx context.Context) error {
	err := e.handle.Shutdown(ctx)
	return errors.Join(err, e.closeRegistry(ctx))
}

func (e *Exporter) closeRegistry(ctx context.Context) error {
	e.closeOnce.Do(func() {
		if err := e.registry.Shutdown(ctx); err != nil {
			e.closeErr = fmt.Errorf("close registry: %w", err)
		}
	})
	return e.closeErr
}
