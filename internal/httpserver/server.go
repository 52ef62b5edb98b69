package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/config"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/handlers"
	requestmw "github.com/PortNumber53/subscription-reconciler/backend/internal/middleware"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/worker"
)

// webhookBurst is the number of webhook deliveries accepted back to back
// before WebhookRateLimit applies.
const webhookBurst = 100

// Deps holds the handlers and collaborators mounted by the server. Nil route
// groups are skipped.
type Deps struct {
	DB            handlers.Pinger
	Webhooks      *handlers.WebhookHandler
	Subscriptions *handlers.SubscriptionHandler
	Admin         *handlers.AdminHandler
	Jobs          *handlers.JobHandler
	Worker        *worker.Worker
	Registry      *prometheus.Registry
	Logger        zerolog.Logger
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	logger     zerolog.Logger
}

// New constructs an HTTP server using the provided configuration and handlers.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger.With().Str("component", "httpserver").Logger()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	if deps.Registry != nil {
		router.Use(requestmw.NewRequestTracker(deps.Registry).Middleware())
		router.Method(http.MethodGet, "/metrics", handlers.Metrics(deps.Registry))
	}

	router.Get("/healthz", handlers.Health(deps.DB))

	router.Group(func(r chi.Router) {
		r.Use(requestmw.Detach(cfg.EventTimeout))

		if deps.Webhooks != nil {
			r.Group(func(r chi.Router) {
				r.Use(requestmw.RateLimit(cfg.WebhookRateLimit, webhookBurst))
				deps.Webhooks.RegisterRoutes(r)
			})
		}

		if deps.Subscriptions != nil {
			r.Group(func(r chi.Router) {
				r.Use(requestmw.Caller(cfg.CallerHeader))
				deps.Subscriptions.RegisterRoutes(r)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(requestmw.AdminToken(cfg.AdminToken))
			if deps.Admin != nil {
				deps.Admin.RegisterRoutes(r)
			}
			if deps.Jobs != nil {
				deps.Jobs.RegisterRoutes(r)
			}
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg.EventTimeout),
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, logger: logger}
}

// writeTimeout leaves room for the handler deadline plus the response.
func writeTimeout(eventTimeout time.Duration) time.Duration {
	if eventTimeout <= 0 {
		return 15 * time.Second
	}
	return eventTimeout + 5*time.Second
}

// Start starts the worker and begins serving HTTP traffic. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info().Strs("jobs", s.worker.JobTypes()).Msg("starting job worker")
		s.worker.Start(ctx)
	}
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info().Msg("shutting down job worker")
		if err := s.worker.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("worker shutdown error")
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
