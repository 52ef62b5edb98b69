package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/app"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/config"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/handlers"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/httpserver"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/logging"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/migrations"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Init(logging.Config{Format: "console"})
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "server"})

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	logDBTarget(logger, "primary", cfg.DatabaseURL)
	configureDB(db)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	if err := runMigrationsWithDirtyFix(logger, db, "primary"); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	services, err := app.New(cfg, db, reg, logger)
	if err != nil {
		return err
	}

	jobWorker, err := services.Worker(cfg, logger)
	if err != nil {
		return err
	}
	jobWorker.SetInstrumentation(app.WorkerInstrumentation(reg, logger))

	deps := httpserver.Deps{
		DB:            db,
		Webhooks:      handlers.NewWebhookHandler(services.Reconciler, services.Stripe, nil, cfg.EventTimeout, logger),
		Subscriptions: handlers.NewSubscriptionHandler(services.Reconciler, services.Store, logger),
		Admin:         handlers.NewAdminHandler(services.Reconciler, logger),
		Jobs:          handlers.NewJobHandler(services.Runs, jobWorker, logger),
		Worker:        jobWorker,
		Registry:      reg,
		Logger:        logger,
	}
	if services.Razorpay != nil {
		deps.Webhooks.Razorpay = services.Razorpay
	}
	srv := httpserver.New(cfg, deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(logger zerolog.Logger, db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		logger.Warn().Err(err).Str("db", name).Msg("migrations failed")
		if strings.Contains(err.Error(), "Dirty database version") {
			logger.Warn().Str("db", name).Msg("dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				logger.Error().Err(fixErr).Str("db", name).Msg("failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(logger zerolog.Logger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info().Str("db", name).Err(err).Msg("database configured (dsn parse error)")
		return
	}
	logger.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database target")
}
