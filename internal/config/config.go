package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the Tally backend.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	// SessionSecret signs API session tokens.
	SessionSecret string

	StripeAPIKey        string
	StripeWebhookSecret string

	SweepInterval time.Duration

	LogLevel  string
	LogFormat string
}

// DatabaseDir returns the directory holding the SQLite database.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir, "db")
}

// Load reads configuration from environment variables. A .env file is
// loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("TALLY_PORT", 8080)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("TALLY_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("TALLY_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("TALLY_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		SessionSecret:       strings.TrimSpace(os.Getenv("TALLY_SESSION_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		SweepInterval:       sweepInterval,
		LogLevel:            envOrDefault("TALLY_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("TALLY_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("TALLY_SESSION_SECRET is required")
	}
	if c.SweepInterval < time.Minute {
		return fmt.Errorf("sweep interval %s too short (minimum 1m)", c.SweepInterval)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}
