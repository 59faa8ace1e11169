package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment
// variables. Defaults target a local development server; embedders building
// a Config by hand should call Validate.
type Config struct {
	// Transaction API configuration
	APIBaseURL     string
	RequestTimeout time.Duration

	// Payment page configuration. The payment window is an independent
	// browser surface; the flow only builds its URL.
	PaymentPageURL string

	// Payment polling configuration
	PollInterval    time.Duration
	MinPollInterval time.Duration

	// NATS configuration (flow event feed)
	NATSURL string

	// Logging
	LogLevel string
}

// Load reads configuration from the environment (and a .env file if present).
// Unset values fall back to local-development defaults; an error is returned
// only for values that are present but invalid.
func Load() (*Config, error) {
	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []error

	cfg.APIBaseURL = getEnvOrDefault("CHECKOUT_API_BASE_URL", "http://localhost:8088")

	cfg.PaymentPageURL = getEnvOrDefault("CHECKOUT_PAYMENT_PAGE_URL", cfg.APIBaseURL+"/payment")
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	requestTimeout, err := parseDuration("CHECKOUT_REQUEST_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RequestTimeout = requestTimeout
	}

	pollInterval, err := parseDuration("CHECKOUT_POLL_INTERVAL", "3s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PollInterval = pollInterval
	}

	minPollInterval, err := parseDuration("CHECKOUT_MIN_POLL_INTERVAL", "1s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MinPollInterval = minPollInterval
	}

	if cfg.MinPollInterval > cfg.PollInterval {
		errs = append(errs, fmt.Errorf("CHECKOUT_MIN_POLL_INTERVAL (%v) cannot be greater than CHECKOUT_POLL_INTERVAL (%v)",
			cfg.MinPollInterval, cfg.PollInterval))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.APIBaseURL == "" {
		errs = append(errs, fmt.Errorf("APIBaseURL is required"))
	}

	if c.PollInterval < c.MinPollInterval {
		errs = append(errs, fmt.Errorf("PollInterval cannot be less than MinPollInterval"))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("PollInterval must be positive"))
	}

	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RequestTimeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}
