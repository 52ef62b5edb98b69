// Package app assembles the reconciliation services from configuration. It is
// shared by the server and the maintenance CLI so both run the same engine.
package app

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/billing"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/config"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/razorpay"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/stripe"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/worker"
)

// RunRetention is how long finished job runs are kept.
const RunRetention = 30 * 24 * time.Hour

// App holds the wired services.
type App struct {
	Store      *store.Store
	Runs       *store.RunStore
	Stripe     *stripe.Client
	Razorpay   *razorpay.Client
	Providers  *billing.Registry
	Metrics    *billing.Metrics
	Reconciler *billing.Reconciler
	Sweeper    *billing.Sweeper
}

// New wires the store, gateways and reconciliation engine. Metrics are
// registered with reg when it is not nil.
func New(cfg config.Config, db *sql.DB, reg prometheus.Registerer, logger zerolog.Logger) (*App, error) {
	st, err := store.New(db)
	if err != nil {
		return nil, err
	}
	runs, err := store.NewRunStore(db)
	if err != nil {
		return nil, err
	}

	a := &App{
		Store:   st,
		Runs:    runs,
		Stripe:  stripe.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, stripe.WithTimeout(cfg.ProviderTimeout)),
		Metrics: billing.NewMetrics(reg),
	}

	gateways := []billing.PaymentProvider{a.Stripe}
	var payments billing.PaymentVerifier
	if cfg.RazorpayEnabled() {
		a.Razorpay, err = razorpay.NewClient(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, cfg.RazorpayWebhookSecret, a.Stripe)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, a.Razorpay)
		payments = a.Razorpay
	}
	a.Providers = billing.NewRegistry(models.Provider(cfg.PaymentProvider), gateways...)

	groups := billing.NewGroupResolver(st, st, a.Providers, a.Metrics, logger)

	a.Reconciler, err = billing.NewReconciler(billing.Deps{
		Store:         st,
		Users:         st,
		Groups:        groups,
		Providers:     a.Providers,
		Subscriptions: a.Stripe,
		Payments:      payments,
		Metrics:       a.Metrics,
		Logger:        logger,
		BaseURL:       cfg.BaseURL(),
	})
	if err != nil {
		return nil, fmt.Errorf("build reconciler: %w", err)
	}

	a.Sweeper = billing.NewSweeper(st, st, groups, a.Providers, billing.SweeperConfig{
		SafeRemoval:          cfg.SweepSafeRemoval,
		PlanLookupsPerSecond: cfg.ProviderRateLimit,
	}, a.Metrics, logger)

	return a, nil
}

// Worker builds the scheduled job runner. The reconcile pass is only
// scheduled when ReconcileInterval is positive; it can always be run on
// demand.
func (a *App) Worker(cfg config.Config, logger zerolog.Logger) (*worker.Worker, error) {
	wcfg := worker.DefaultConfig()
	if cfg.EventTimeout > 0 && cfg.EventTimeout*10 > wcfg.JobTimeout {
		wcfg.JobTimeout = cfg.EventTimeout * 10
	}
	return worker.New(wcfg, a.Runs, logger,
		worker.SweepJob(a.Sweeper, cfg.SweepInterval),
		worker.ReconcileJob(a.Reconciler, cfg.ReconcileInterval),
		worker.CleanupJob(a.Runs, RunRetention),
	)
}
