package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Provider names accepted in PAYMENT_PROVIDER.
const (
	ProviderStripe   = "Stripe"
	ProviderRazorpay = "Razorpay"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL"`

	// PaymentProvider selects the checkout provider ("Stripe" or "Razorpay"). Plans are
	// always catalogued in Stripe regardless of this value.
	PaymentProvider string `env:"PAYMENT_PROVIDER" envDefault:"Stripe"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	RazorpayKeyID         string `env:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret     string `env:"RAZORPAY_KEY_SECRET"`
	RazorpayWebhookSecret string `env:"RAZORPAY_WEBHOOK_SECRET"`

	// PublicBaseURL is used to build checkout success and cancel URLs.
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:18111"`

	// AdminToken guards the /admin routes.
	AdminToken string `env:"ADMIN_TOKEN"`

	// CallerHeader carries the authenticated user id set by the fronting auth proxy.
	CallerHeader string `env:"CALLER_HEADER" envDefault:"X-User-Id"`

	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"24h"`
	SweepSafeRemoval  bool          `env:"SWEEP_SAFE_REMOVAL" envDefault:"false"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1h"`

	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	EventTimeout      time.Duration `env:"EVENT_TIMEOUT" envDefault:"30s"`
	ProviderRateLimit float64       `env:"PROVIDER_RATE_LIMIT" envDefault:"20"`
	WebhookRateLimit  float64       `env:"WEBHOOK_RATE_LIMIT" envDefault:"50"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

const (
	envDatabaseURL         = "DATABASE_URL"
	envServerAddress       = "BACKEND_ADDR"
	envPaymentProvider     = "PAYMENT_PROVIDER"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envAdminToken          = "ADMIN_TOKEN"
	defaultServerAddress   = ":18111"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that required values are present for the selected provider.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s is required", envDatabaseURL)
	}
	if c.StripeSecretKey == "" {
		return fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("%s is required", envStripeWebhookSecret)
	}
	if c.AdminToken == "" {
		return fmt.Errorf("%s is required", envAdminToken)
	}

	razorpaySet := 0
	for _, v := range []string{c.RazorpayKeyID, c.RazorpayKeySecret, c.RazorpayWebhookSecret} {
		if v != "" {
			razorpaySet++
		}
	}
	if razorpaySet > 0 && razorpaySet < 3 {
		return errors.New("RAZORPAY_KEY_ID, RAZORPAY_KEY_SECRET and RAZORPAY_WEBHOOK_SECRET must be set together")
	}

	switch c.PaymentProvider {
	case ProviderStripe:
	case ProviderRazorpay:
		if !c.RazorpayEnabled() {
			return errors.New("RAZORPAY_KEY_ID, RAZORPAY_KEY_SECRET and RAZORPAY_WEBHOOK_SECRET are required when PAYMENT_PROVIDER=Razorpay")
		}
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", envPaymentProvider, ProviderStripe, ProviderRazorpay, c.PaymentProvider)
	}

	if strings.TrimSpace(c.CallerHeader) == "" {
		return errors.New("CALLER_HEADER must not be empty")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}

	return nil
}

// RazorpayEnabled reports whether the Razorpay API and webhook credentials
// are all configured.
func (c Config) RazorpayEnabled() bool {
	return c.RazorpayKeyID != "" && c.RazorpayKeySecret != "" && c.RazorpayWebhookSecret != ""
}

// BaseURL returns PublicBaseURL without a trailing slash.
func (c Config) BaseURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/")
}
