// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory store if not set)
	DatabaseURL string

	// Security
	JWTSecret       string
	ReconcileSecret string
	RateLimitRPM    int
	CORSOrigins     []string

	// Reconciliation
	ReconcileSchedule string // cron spec, seconds field optional

	// Settlement
	PlatformAccountID   string
	Provider            string // "sandbox" or "stripe"
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	ProviderTimeout     time.Duration
	PaymentSweepAge     time.Duration

	// Bookings
	BookingHoldTTL     time.Duration
	BookingLockTimeout time.Duration

	// Events
	KafkaBrokers       []string
	KafkaTopic         string
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Tracing (empty endpoint disables)
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Business policy
	PolicyFile string
	Policy     Policy
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultRateLimitRPM       = 120
	DefaultReconcileSchedule  = "0 0 */3 * * *" // every 3 hours
	DefaultPlatformAccountID  = "platform"
	DefaultProvider           = "sandbox"
	DefaultKafkaTopic         = "rentledger.events"
	DefaultBookingHoldTTL     = 30 * time.Minute
	DefaultBookingLockTimeout = 3 * time.Second
	DefaultProviderTimeout    = 10 * time.Second
	DefaultPaymentSweepAge    = 15 * time.Minute
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		ReconcileSecret:     os.Getenv("RECONCILE_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:         splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		ReconcileSchedule:   getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		PlatformAccountID:   getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformAccountID),
		Provider:            strings.ToLower(getEnv("PROVIDER", DefaultProvider)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:8080/payments/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:8080/payments/cancel"),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		PaymentSweepAge:     getEnvDuration("PAYMENT_SWEEP_AGE", DefaultPaymentSweepAge),
		BookingHoldTTL:      getEnvDuration("BOOKING_HOLD_TTL", DefaultBookingHoldTTL),
		BookingLockTimeout:  getEnvDuration("BOOKING_LOCK_TIMEOUT", DefaultBookingLockTimeout),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		AlertWebhookURL:     os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:  os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		PolicyFile:          os.Getenv("POLICY_FILE"),
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET is required and must be at least 32 characters")
	}

	switch c.Provider {
	case "sandbox":
		if c.IsProduction() {
			return fmt.Errorf("PROVIDER=sandbox is not allowed in production")
		}
	case "stripe":
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required when PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("PROVIDER must be sandbox or stripe, got %q", c.Provider)
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.ReconcileSecret == "" {
			return fmt.Errorf("RECONCILE_SECRET is required in production")
		}
	}

	if c.BookingHoldTTL <= 0 || c.BookingLockTimeout <= 0 {
		return fmt.Errorf("BOOKING_HOLD_TTL and BOOKING_LOCK_TIMEOUT must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}

	return c.Policy.Validate()
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
