// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime configuration for the back office server.
type Config struct {
	Listen    string
	DataDir   string
	LogLevel  string
	LogFormat string

	// Relational store. When empty, DataDir/aurswift.db is used.
	DatabaseURL string

	// Pub/sub transport. When empty, the in-process broadcaster is used and
	// cross-instance fan-out is disabled.
	PubSubURL string

	// Shared secret for payment-processor webhook signature verification.
	WebhookSigningSecret string

	// Secret for license key HMAC signatures.
	LicenseHMACSecret string

	// Optional payment-processor API key for plan-change remote updates.
	StripeAPIKey string

	// Optional SendGrid key; when empty notifications are log-only.
	SendGridAPIKey string

	GracePeriodDaysPaid    int
	GracePeriodDaysPastDue int
	EventTTLHours          int
	MaxRetryAttempts       int
	MaxDeactivationsPerYr  int
	MaxTrialPlanChanges    int
}

// Defaults mirror the documented environment contract.
const (
	defaultListen                 = ":7655"
	defaultGracePeriodDaysPaid    = 7
	defaultGracePeriodDaysPastDue = 3
	defaultEventTTLHours          = 24
	defaultMaxRetryAttempts       = 5
	defaultMaxDeactivationsPerYr  = 3
	defaultMaxTrialPlanChanges    = 4
)

// Load reads configuration from the environment. A .env file in the working
// directory is honored for development setups.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		Listen:                 envString("AURSWIFT_LISTEN", defaultListen),
		DataDir:                envString("AURSWIFT_DATA_DIR", "/var/lib/aurswift"),
		LogLevel:               envString("AURSWIFT_LOG_LEVEL", "info"),
		LogFormat:              envString("AURSWIFT_LOG_FORMAT", "auto"),
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PubSubURL:              strings.TrimSpace(os.Getenv("PUBSUB_URL")),
		WebhookSigningSecret:   strings.TrimSpace(os.Getenv("WEBHOOK_SIGNING_SECRET")),
		LicenseHMACSecret:      strings.TrimSpace(os.Getenv("LICENSE_HMAC_SECRET")),
		StripeAPIKey:           strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		SendGridAPIKey:         strings.TrimSpace(os.Getenv("SENDGRID_API_KEY")),
		GracePeriodDaysPaid:    envInt("GRACE_PERIOD_DAYS_PAID", defaultGracePeriodDaysPaid),
		GracePeriodDaysPastDue: envInt("GRACE_PERIOD_DAYS_PAST_DUE", defaultGracePeriodDaysPastDue),
		EventTTLHours:          envInt("EVENT_TTL_HOURS", defaultEventTTLHours),
		MaxRetryAttempts:       envInt("MAX_RETRY_ATTEMPTS", defaultMaxRetryAttempts),
		MaxDeactivationsPerYr:  envInt("MAX_DEACTIVATIONS_PER_YEAR", defaultMaxDeactivationsPerYr),
		MaxTrialPlanChanges:    envInt("MAX_TRIAL_PLAN_CHANGES", defaultMaxTrialPlanChanges),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LicenseHMACSecret == "" {
		return fmt.Errorf("LICENSE_HMAC_SECRET is required")
	}
	if c.WebhookSigningSecret == "" {
		return fmt.Errorf("WEBHOOK_SIGNING_SECRET is required")
	}
	if c.GracePeriodDaysPaid <= 0 || c.GracePeriodDaysPastDue <= 0 {
		return fmt.Errorf("grace period days must be positive")
	}
	if c.EventTTLHours <= 0 {
		return fmt.Errorf("EVENT_TTL_HOURS must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be positive")
	}
	return nil
}

// GracePaid returns the paid-cancellation grace window as a duration.
func (c *Config) GracePaid() time.Duration {
	return time.Duration(c.GracePeriodDaysPaid) * 24 * time.Hour
}

// GracePastDue returns the past-due grace window as a duration.
func (c *Config) GracePastDue() time.Duration {
	return time.Duration(c.GracePeriodDaysPastDue) * 24 * time.Hour
}

// EventTTL returns the replay window for persisted events.
func (c *Config) EventTTL() time.Duration {
	return time.Duration(c.EventTTLHours) * time.Hour
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment; using default")
		return fallback
	}
	return n
}
