// Package server wires the configured session store into an HTTP server
// with health, metrics, and a small session-backed API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txn2/session-filestore/pkg/config"
	"github.com/txn2/session-filestore/pkg/health"
	"github.com/txn2/session-filestore/pkg/session"
)

// Version is set at build time.
var Version = "dev"

const slogKeyError = "error"

// Server serves the session API over HTTP.
type Server struct {
	cfg      *config.Config
	store    session.Store
	health   *health.Checker
	gatherer prometheus.Gatherer
	router   chi.Router
}

// New creates a Server for store. gatherer backs the metrics endpoint and
// may be nil when metrics are disabled.
func New(cfg *config.Config, store session.Store, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		health:   health.NewChecker(),
		gatherer: gatherer,
	}
	if p, ok := store.(session.Pinger); ok {
		s.health.AddProbe("store", p.Ping)
	}
	s.router = s.routes()
	return s
}

// Health returns the readiness checker.
func (s *Server) Health() *health.Checker {
	return s.health
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.LivenessHandler())
	r.Get("/readyz", s.health.ReadinessHandler())

	if s.gatherer != nil && s.cfg.Metrics.IsEnabled() {
		r.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.sessions)
		r.Get("/count", handleCount)
		r.Get("/session", handleShow)
		r.Delete("/session", handleDestroy)
	})

	return r
}

// sessions attaches a session handle to every request.
func (s *Server) sessions(next http.Handler) http.Handler {
	return session.NewAwareHandler(next, session.HandlerConfig{
		Store:      s.store,
		TTL:        s.cfg.Session.TTL,
		CookieName: s.cfg.Session.CookieName,
		CookiePath: s.cfg.Session.CookiePath,
		Secure:     s.cfg.Session.Secure,
	})
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then drains and shuts down within
// the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
		close(errCh)
	}()

	s.health.SetReady()
	slog.Info("session server listening", "address", ln.Addr().String(), "backend", s.cfg.Store.Backend)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.health.SetDraining()
			return err
		}
	}

	s.health.SetDraining()
	slog.Info("session server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slogKeyError, err)
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
