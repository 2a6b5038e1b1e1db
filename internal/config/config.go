package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the reconciliation engine.
type Config struct {
	// Database
	DatabaseURL string

	// Operator Auth0 (guards internal/httpapi only; no seller-facing
	// OAuth flow, spec.md §9 Non-goals)
	Auth0Domain   string
	Auth0Audience string

	// Mercado Livre OAuth
	MLBaseURL     string
	MLAuthURL     string
	MLClientID    string
	MLClientSecret string

	// Conta Azul OAuth
	CABaseURL     string
	CAAuthURL     string
	CAClientID    string
	CAClientSecret string

	// Rate limiting (spec.md §4.8, tunable per §6)
	RateLimitRefillPerSecond int
	RateLimitBurst           int
	RateLimitPerMinute       int

	// Server
	Port string
	Env  string

	// Archive (internal/archive)
	Archive ArchiveConfig
}

// ArchiveConfig holds the S3/MinIO settings for the audit-trail archive.
type ArchiveConfig struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		Auth0Domain:   getEnv("AUTH0_DOMAIN", ""),
		Auth0Audience: getEnv("AUTH0_AUDIENCE", ""),

		MLBaseURL:      getEnv("ML_BASE_URL", "https://api.mercadolibre.com"),
		MLAuthURL:      getEnv("ML_AUTH_URL", "https://api.mercadolibre.com"),
		MLClientID:     getEnv("ML_CLIENT_ID", ""),
		MLClientSecret: getEnv("ML_CLIENT_SECRET", ""),

		CABaseURL:      getEnv("CA_BASE_URL", "https://api.contaazul.com"),
		CAAuthURL:      getEnv("CA_AUTH_URL", "https://api.contaazul.com"),
		CAClientID:     getEnv("CA_CLIENT_ID", ""),
		CAClientSecret: getEnv("CA_CLIENT_SECRET", ""),

		RateLimitRefillPerSecond: getEnvInt("CA_RATE_LIMIT_REFILL_PER_SECOND", 9),
		RateLimitBurst:           getEnvInt("CA_RATE_LIMIT_BURST", 9),
		RateLimitPerMinute:       getEnvInt("CA_RATE_LIMIT_PER_MINUTE", 540),

		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		Archive: ArchiveConfig{
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", "mlca-reconciler-archive"),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MLClientID == "" || c.MLClientSecret == "" {
		return fmt.Errorf("ML_CLIENT_ID and ML_CLIENT_SECRET are required")
	}
	if c.CAClientID == "" || c.CAClientSecret == "" {
		return fmt.Errorf("CA_CLIENT_ID and CA_CLIENT_SECRET are required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
