// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional, tracing disabled if not set)

	// Pricing: unit cost per message by category, in rupiah
	RateMarketing      string
	RateUtility        string
	RateAuthentication string

	// Scoring defaults (overridable through the rules store)
	DecayRatePerDay        float64
	DecayMinDaysQuiet      float64
	CooldownDays           int
	AutoUnlockScore        float64
	ThrottleFraction       float64
	PermanentCriticalCount int

	// API rate limiting (the HTTP-surface limiter, not the admission rules)
	APIRequestsPerMinute int
	APIBurstSize         int

	// Security
	AdminSecret string // Admin API secret
	TopupSecret string // Shared secret for the top-up notification endpoint
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultRateMarketing      = "550.00"
	DefaultRateUtility        = "350.00"
	DefaultRateAuthentication = "300.00"

	DefaultDecayRatePerDay   = 2.0
	DefaultDecayMinDaysQuiet = 3.0
	DefaultCooldownDays      = 7
	DefaultAutoUnlockScore   = 40.0
	DefaultThrottleFraction  = 0.5
	DefaultPermanentCritical = 3

	DefaultAPIRateLimit = 120
	DefaultAPIBurst     = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateMarketing:      getEnv("RATE_MARKETING", DefaultRateMarketing),
		RateUtility:        getEnv("RATE_UTILITY", DefaultRateUtility),
		RateAuthentication: getEnv("RATE_AUTHENTICATION", DefaultRateAuthentication),

		DecayRatePerDay:        getEnvFloat("DECAY_RATE_PER_DAY", DefaultDecayRatePerDay),
		DecayMinDaysQuiet:      getEnvFloat("DECAY_MIN_DAYS_QUIET", DefaultDecayMinDaysQuiet),
		CooldownDays:           int(getEnvInt64("COOLDOWN_DAYS", DefaultCooldownDays)),
		AutoUnlockScore:        getEnvFloat("AUTO_UNLOCK_SCORE", DefaultAutoUnlockScore),
		ThrottleFraction:       getEnvFloat("THROTTLE_FRACTION", DefaultThrottleFraction),
		PermanentCriticalCount: int(getEnvInt64("PERMANENT_CRITICAL_COUNT", DefaultPermanentCritical)),

		APIRequestsPerMinute: int(getEnvInt64("API_RATE_LIMIT_RPM", DefaultAPIRateLimit)),
		APIBurstSize:         int(getEnvInt64("API_RATE_LIMIT_BURST", DefaultAPIBurst)),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
		TopupSecret: os.Getenv("TOPUP_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.DecayRatePerDay < 0 {
		return fmt.Errorf("DECAY_RATE_PER_DAY must be >= 0")
	}
	if c.ThrottleFraction < 0 || c.ThrottleFraction > 1 {
		return fmt.Errorf("THROTTLE_FRACTION must be in [0, 1]")
	}
	if c.CooldownDays < 0 {
		return fmt.Errorf("COOLDOWN_DAYS must be >= 0")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
