// Package server sets up the HTTP server, router, and all route definitions.
//
// It is the composition root: Build (app.go) wires the store and services,
// setupRoutes maps URLs onto handlers, and Start runs the listener, the
// background sweep loop and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/training-sync/internal/auth"
	"github.com/sakif/training-sync/internal/config"
	"github.com/sakif/training-sync/internal/handler"
	"github.com/sakif/training-sync/internal/metrics"
	"github.com/sakif/training-sync/internal/middleware"
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the App (and with it the database pool). Start closes it
// on the way out, after in-flight requests and the sweep loop have drained.
type Server struct {
	router *chi.Mux
	config config.Config
	app    *App
	logger *slog.Logger
}

func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	app, err := Build(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		app:    app,
		logger: logger,
	}
	s.setupRoutes()
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) App() *App {
	return s.app
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                    liveness + database ping
//	GET    /metrics                    Prometheus scrape
//	GET    /webhooks/provider          subscription handshake
//	POST   /webhooks/provider          push events
//	GET    /auth/provider/connect      (session)
//	GET    /auth/provider/callback     (session)
//	DELETE /api/provider/connection    (session)
//	POST   /api/sync                   (session)
//	GET    /api/sync/status            (session)
//	GET    /api/sync/runs              (session)
//	PUT    /api/sync/settings          (session)
//	GET    /api/webhooks/events        (session)
//
// Session routes are only mounted when a JWT secret is configured.
//
// MIDDLEWARE ORDER MATTERS:
// RequestID runs first so Logger can print it; Recoverer sits inside
// Logger so a panic is still logged as a 500.
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	webhookHandler := handler.NewWebhookHandler(s.app.Webhooks, s.logger)
	s.router.Get("/webhooks/provider", webhookHandler.HandleVerify)
	s.router.Post("/webhooks/provider", webhookHandler.HandleEvent)

	if s.app.Tokens == nil {
		s.logger.Warn("JWT secret not set, session routes are disabled")
		return
	}

	requireAuth := auth.RequireAuth(s.app.Tokens)
	syncHandler := handler.NewSyncHandler(s.app.Orchestrator, s.logger)
	providerHandler := handler.NewProviderHandler(s.app.OAuth, s.app.Credentials, "/", s.logger)

	s.router.Route("/auth/provider", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/connect", providerHandler.HandleConnect)
		r.Get("/callback", providerHandler.HandleCallback)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(requireAuth)
		r.Delete("/provider/connection", providerHandler.HandleDisconnect)

		r.Post("/sync", syncHandler.HandleSync)
		r.Get("/sync/status", syncHandler.HandleStatus)
		r.Get("/sync/runs", syncHandler.HandleRuns)
		r.Put("/sync/settings", syncHandler.HandleSettings)

		r.Get("/webhooks/events", webhookHandler.HandleRecent)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.app.DB.Ping(ctx); err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new connections and let in-flight requests finish
//     (bounded by server.shutdown_timeout)
//  2. Wait for a running sweep pass to notice the cancellation
//  3. Close the database
//
// main wires ctx to SIGINT/SIGTERM with signal.NotifyContext.
func (s *Server) Start(ctx context.Context) error {
	defer s.app.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		// A full sync may page through the whole history.
		WriteTimeout: s.config.Sync.RunTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if interval := s.config.Sweep.Interval; interval > 0 {
		s.app.Sweeper.Start(sweepCtx, interval)
		s.logger.Info("background sweep enabled", slog.Duration("interval", interval))
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("database", string(s.app.DB.Dialect())),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		stopSweep()
		s.app.Sweeper.Wait()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	stopSweep()
	s.app.Sweeper.Wait()
	if err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	s.logger.Info("server stopped gracefully")
	return nil
}
