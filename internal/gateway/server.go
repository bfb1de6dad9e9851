package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/kestrelops/mcpgate/internal/gateway/breaker"
	"github.com/kestrelops/mcpgate/internal/gateway/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server is the gateway's HTTP frontend. It terminates the caller-facing
// MCP handshake, proxies operations through the Controller, and exposes the
// admin and metrics surfaces.
type Server struct {
	cfg        config.ListenConfig
	controller *Controller
	store      *Store
	breakers   *breaker.Registry
	audit      *AuditLogger
	registry   *prometheus.Registry
	logger     *slog.Logger

	httpServer *http.Server
}

// NewServer assembles the frontend around an already-wired controller.
func NewServer(
	cfg config.ListenConfig,
	controller *Controller,
	store *Store,
	breakers *breaker.Registry,
	audit *AuditLogger,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		controller: controller,
		store:      store,
		breakers:   breakers,
		audit:      audit,
		registry:   registry,
		logger:     logger,
	}

	handler := http.Handler(s.routes())
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Mcp-Session-Id", "X-User-ID"},
			ExposedHeaders:   []string{"Mcp-Session-Id", "Retry-After"},
			AllowCredentials: true,
		}).Handler(handler)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Run serves until ctx is canceled, then drains connections and closes the
// session store. Errors from the listener and the shutdown path are
// combined so neither masks the other.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Addr, "version", Version)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.store.Stop()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("gateway shutting down")

	var result *multierror.Error
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := <-errCh; err != nil {
		result = multierror.Append(result, err)
	}
	s.store.Stop()
	return result.ErrorOrNil()
}
