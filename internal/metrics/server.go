package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAddr            = "0.0.0.0:9090"
	DefaultPath            = "/metrics"
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds the listener settings for the metrics endpoint.
type ServerConfig struct {
	Addr            string
	Path            string
	ShutdownTimeout time.Duration
	// TLS switches the listener to HTTPS when set.
	TLS *tls.Config
}

// Server serves a Registry in the Prometheus text exposition format.
type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	registry *Registry
	encode   func([]*dto.MetricFamily) ([]byte, string, error)
	cfg      ServerConfig
}

// NewServer creates the metrics endpoint. Empty config fields fall back to
// 0.0.0.0:9090 and /metrics.
func NewServer(logger zerolog.Logger, cfg ServerConfig, registry *Registry) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		registry: registry,
		encode:   Encode,
		cfg:      cfg,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get(cfg.Path, s.handleMetrics)
	s.router.NotFound(handleNotFound)
	s.router.MethodNotAllowed(handleNotFound)

	return s
}

// Handler returns the router serving the metrics endpoint.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	families, err := s.registry.Gather()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	body, contentType, err := s.encode(families)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to serve metrics")
	writeText(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusNotFound, "Not Found")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// Start binds the listener and serves in the background. A bind failure is
// returned as a *BindError. Cancelling ctx shuts the server down gracefully.
func (s *Server) Start(ctx context.Context) (*Handle, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, &BindError{Addr: s.cfg.Addr, Err: err}
	}

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         s.cfg.TLS,
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	h := &Handle{
		addr:   ln.Addr(),
		server: httpServer,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	scheme := "http"
	if s.cfg.TLS != nil {
		scheme = "https"
	}
	s.logger.Info().
		Str("addr", h.addr.String()).
		Str("url", fmt.Sprintf("%s://%s%s", scheme, h.addr, s.cfg.Path)).
		Msg("serving prometheus metrics")

	g.Go(func() error {
		defer cancel()
		var err error
		if s.cfg.TLS != nil {
			err = httpServer.ServeTLS(ln, "", "")
		} else {
			err = httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	go func() {
		h.err = g.Wait()
		close(h.done)
	}()

	return h, nil
}

// Handle represents a running metrics server.
type Handle struct {
	addr   net.Addr
	server *http.Server
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Addr is the address the listener is bound to.
func (h *Handle) Addr() net.Addr { return h.addr }

// Done is closed once the server has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the server stops. It returns nil after a clean shutdown.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Shutdown stops accepting connections and waits for in-flight scrapes to
// finish or ctx to expire.
func (h *Handle) Shutdown(ctx context.Context) error {
	err := h.server.Shutdown(ctx)
	h.cancel()

	select {
	case <-h.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
