// Package admin implements the supervisor's own HTTP surface: health,
// readiness, Prometheus-style metrics, a human status table, and the pool
// event WebSocket stream. It never carries request-dispatch traffic; that
// is internal/router's job.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/sadewadee/wpsuper/internal/config"
	"github.com/sadewadee/wpsuper/internal/events"
	"github.com/sadewadee/wpsuper/internal/manager"
)

// Server is the supervisor's admin HTTP server.
type Server struct {
	cfg     *config.AdminConfig
	mgr     *manager.Manager
	logger  *slog.Logger
	http    *http.Server
	metrics *Metrics
}

// New creates a new admin server bound to the pool manager and the event
// hub. hub is constructed by the caller before the manager (its Publish
// method is the manager's onEvent callback) and handed in here so both
// sides share the same instance.
func New(cfg *config.AdminConfig, mgr *manager.Manager, hub *events.Hub, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		logger:  logger,
		metrics: NewMetrics(mgr),
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", NewHealthHandler(mgr))
	mux.Handle("/health", NewHealthHandler(mgr))
	mux.Handle("/ready", NewHealthHandler(mgr))
	mux.Handle("/readyz", NewHealthHandler(mgr))
	mux.Handle("/status", NewStatusHandler(mgr))
	mux.Handle("/errors", NewErrorsHandler(mgr))
	if cfg.Events.Enabled && hub != nil {
		path := cfg.Events.Path
		if path == "" {
			path = "/events"
		}
		mux.Handle(path, events.NewHandler(hub, logger))
	}

	s.http = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.buildMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// TLS (direct or ACME) gets HTTP/2 automatically from net/http; only the
	// cleartext case needs h2c wired in by hand.
	if cfg.HTTP2 && !cfg.TLS.Auto && cfg.TLS.Cert == "" {
		s.http.Handler = h2c.NewHandler(s.http.Handler, &http2.Server{})
	}

	return s
}

// Start begins listening for HTTP connections on the admin address.
func (s *Server) Start() error {
	s.logger.Info("admin server starting",
		"address", s.cfg.Address,
		"tls", s.cfg.TLS.Auto || s.cfg.TLS.Cert != "",
	)

	if s.cfg.TLS.Auto || s.cfg.TLS.ACME.Email != "" {
		return s.startACME()
	}
	if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
		return s.http.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	}
	return s.http.ListenAndServe()
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("admin server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) startACME() error {
	tlsConfig, redirectSrv, err := SetupACME(s.cfg, s.mgr, s.logger)
	if err != nil {
		return fmt.Errorf("setting up ACME: %w", err)
	}
	s.http.TLSConfig = tlsConfig
	if redirectSrv != nil {
		defer redirectSrv.Close()
	}
	return s.http.ListenAndServeTLS("", "")
}

func (s *Server) buildMiddleware(handler http.Handler) http.Handler {
	handler = CoreMiddleware(s.logger, s.mgr)(handler)
	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		handler = s.metrics.Middleware(path)(handler)
	}
	handler = CompressionMiddleware()(handler)
	return handler
}
