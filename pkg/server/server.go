package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/anganwadi-lens/core/internal/config"
	"github.com/anganwadi-lens/core/pkg/handlers/cronjobs"
	"github.com/anganwadi-lens/core/pkg/handlers/health"
	"github.com/anganwadi-lens/core/pkg/handlers/notifications"
	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/metrics"
	"github.com/anganwadi-lens/core/pkg/middleware"
)

// Dependencies are the services the routes are served from
type Dependencies struct {
	CronJobs      cronjobs.Service
	Notifications notifications.Fanout
	Readiness     health.Readiness
	Metrics       *metrics.Metrics
}

// Server represents the API server
type Server struct {
	router   *http.ServeMux
	http     *http.Server
	ready    health.Readiness
	addr     string
	logger   *logger.Logger
	metrics  *metrics.Metrics
	handlers struct {
		health        *health.Handler
		cronJobs      *cronjobs.Handler
		notifications *notifications.Handler
	}
}

// New creates a new server instance
func New(cfg *config.Config, deps Dependencies, log *logger.Logger) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}

	server := &Server{
		router:  http.NewServeMux(),
		addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		logger:  log,
		metrics: deps.Metrics,
		ready:   deps.Readiness,
	}

	server.handlers.health = health.NewHandler(deps.Readiness, log)
	server.handlers.cronJobs = cronjobs.NewHandler(deps.CronJobs, log)
	server.handlers.notifications = notifications.NewHandler(deps.Notifications, log)

	server.setupRoutes()

	server.http = &http.Server{
		Addr:              server.addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// send-to-all waits for the whole fan-out
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	return server
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.route("GET /health", s.handlers.health.HealthCheck)
	s.router.Handle("GET /metrics", s.metrics.Handler())

	// Cron job endpoints. Mutations wait for startup reconciliation.
	s.route("POST /cron-jobs/add", s.whenReady(s.handlers.cronJobs.Create))
	s.route("DELETE /cron-jobs/delete/{id}", s.whenReady(s.handlers.cronJobs.Delete))
	s.route("GET /cron-jobs/getall", s.handlers.cronJobs.List)
	s.route("GET /cron-jobs/{id}", s.handlers.cronJobs.Get)

	// Notification endpoints
	s.route("POST /send-notification", s.handlers.notifications.SendDirect)
	s.route("POST /send-notification/send-to-all", s.handlers.notifications.SendToAll)
	s.route("POST /send-notification/{id}", s.handlers.notifications.SendOne)
}

func (s *Server) route(pattern string, h http.HandlerFunc) {
	// The method is already a label of its own.
	_, path, _ := strings.Cut(pattern, " ")
	s.router.Handle(pattern, s.metrics.Middleware(path, h))
}

func (s *Server) whenReady(h http.HandlerFunc) http.HandlerFunc {
	return middleware.RequireReady(s.ready, h).ServeHTTP
}

// Handler returns the router wrapped in the shared middleware
func (s *Server) Handler() http.Handler {
	return middleware.CORS(middleware.RequestID(s.logger, s.router))
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().
		Str("action", "server_start").
		Str("addr", s.addr).
		Msg("Starting API server")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed to start on %s: %w", s.addr, err)
	}

	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().
		Str("action", "server_shutdown").
		Msg("Shutting down API server")

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
