// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Gateway selection: "direct", "aggregator", "stripe", "simulated"
	GatewayBackend string

	// Direct gateway (acquirer billing API)
	DirectMerchantID string
	DirectAPIKey     string
	DirectAPIURL     string
	DirectSiteURL    string // merchant site URL echoed in signed payloads

	// Aggregator gateway (token-exchange API)
	AggregatorAPIKey    string
	AggregatorAPISecret string
	AggregatorAPIURL    string

	// Stripe gateway
	StripeSecretKey string

	// Billing cycle settings
	BillingSchedule string        // cron spec for the batch trigger
	BatchSize       int           // max subscriptions charged per cycle
	PacingDelay     time.Duration // delay between gateway calls within a cycle
	GatewayTimeout  time.Duration // per-call HTTP timeout

	// Security
	AdminSecret string // Admin API secret for the manual trigger path
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultGatewayBackend  = "simulated"
	DefaultDirectAPIURL    = "https://iniapi.inicis.com/v2/pg"
	DefaultAggregatorURL   = "https://api.iamport.kr"
	DefaultBillingSchedule = "0 * * * *" // hourly
	DefaultBatchSize       = 10
	DefaultPacingDelay     = time.Second
	DefaultGatewayTimeout  = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayBackend:      getEnv("GATEWAY_BACKEND", DefaultGatewayBackend),
		DirectMerchantID:    os.Getenv("DIRECT_MERCHANT_ID"),
		DirectAPIKey:        os.Getenv("DIRECT_API_KEY"),
		DirectAPIURL:        getEnv("DIRECT_API_URL", DefaultDirectAPIURL),
		DirectSiteURL:       os.Getenv("DIRECT_SITE_URL"),
		AggregatorAPIKey:    os.Getenv("AGGREGATOR_API_KEY"),
		AggregatorAPISecret: os.Getenv("AGGREGATOR_API_SECRET"),
		AggregatorAPIURL:    getEnv("AGGREGATOR_API_URL", DefaultAggregatorURL),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		BillingSchedule:     getEnv("BILLING_SCHEDULE", DefaultBillingSchedule),
		BatchSize:           int(getEnvInt64("BILLING_BATCH_SIZE", DefaultBatchSize)),
		PacingDelay:         getEnvDuration("BILLING_PACING_DELAY", DefaultPacingDelay),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.GatewayBackend {
	case "direct":
		if c.DirectMerchantID == "" || c.DirectAPIKey == "" {
			return fmt.Errorf("DIRECT_MERCHANT_ID and DIRECT_API_KEY are required for the direct gateway")
		}
	case "aggregator":
		if c.AggregatorAPIKey == "" || c.AggregatorAPISecret == "" {
			return fmt.Errorf("AGGREGATOR_API_KEY and AGGREGATOR_API_SECRET are required for the aggregator gateway")
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe gateway")
		}
	case "simulated":
		// No credentials needed.
	default:
		return fmt.Errorf("unknown GATEWAY_BACKEND %q", c.GatewayBackend)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BILLING_BATCH_SIZE must be positive")
	}

	return nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
