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

// Storage backends
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config holds all configuration for the application
type Config struct {
	// Environment
	Environment string // "development" or "production"
	LogLevel    string

	// Storage configuration
	StorageType  string
	DataDir      string
	SQLitePath   string
	DatabaseURL  string
	MaxTxRetries int

	// Escrow timing
	SweepInterval         time.Duration
	SweepLeaseTTL         time.Duration
	FundingWindow         time.Duration // CREATED escrows expire after this
	DeliveryWindow        time.Duration // FUNDED escrows expire after this
	InspectionHours       int
	DisputeResponseWindow time.Duration

	// Facilitator fee, fee = max(amount * rate, min)
	FacilitatorFeeRate string
	FacilitatorMinFee  int64

	// Event sinks and coordination, empty disables
	ElasticsearchURL      string
	ElasticsearchUsername string
	ElasticsearchPassword string
	ElasticsearchPrefix   string
	KafkaBrokers          []string
	KafkaTopic            string
	RedisURL              string
}

// Load reads the configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Only return error if file exists but couldn't be loaded
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	// Get working directory for resource paths
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	dataDir := getEnvWithDefault("DATA_DIR", filepath.Join(wd, "data"))

	cfg := &Config{
		Environment:           getEnvWithDefault("ENVIRONMENT", "development"),
		LogLevel:              getEnvWithDefault("LOG_LEVEL", "info"),
		StorageType:           getEnvWithDefault("STORAGE_TYPE", StorageMemory),
		DataDir:               dataDir,
		SQLitePath:            getEnvWithDefault("SQLITE_PATH", filepath.Join(dataDir, "tradevault.db")),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		FacilitatorFeeRate:    getEnvWithDefault("FACILITATOR_FEE_RATE", "0.05"),
		ElasticsearchURL:      os.Getenv("ELASTICSEARCH_URL"),
		ElasticsearchUsername: os.Getenv("ELASTICSEARCH_USERNAME"),
		ElasticsearchPassword: os.Getenv("ELASTICSEARCH_PASSWORD"),
		ElasticsearchPrefix:   getEnvWithDefault("ELASTICSEARCH_INDEX_PREFIX", "tradevault"),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnvWithDefault("KAFKA_TOPIC", "escrow.milestones"),
		RedisURL:              os.Getenv("REDIS_URL"),
	}

	parsers := []func() error{
		func() (err error) { cfg.MaxTxRetries, err = getIntWithDefault("MAX_TX_RETRIES", 3); return },
		func() (err error) { cfg.InspectionHours, err = getIntWithDefault("INSPECTION_HOURS", 24); return },
		func() (err error) { cfg.FacilitatorMinFee, err = getInt64WithDefault("FACILITATOR_MIN_FEE", 100); return },
		func() (err error) { cfg.SweepInterval, err = getDurationWithDefault("SWEEP_INTERVAL", 5*time.Minute); return },
		func() (err error) { cfg.SweepLeaseTTL, err = getDurationWithDefault("SWEEP_LEASE_TTL", 4*time.Minute); return },
		func() (err error) { cfg.FundingWindow, err = getDurationWithDefault("ESCROW_FUNDING_WINDOW", 72*time.Hour); return },
		func() (err error) {
			cfg.DeliveryWindow, err = getDurationWithDefault("ESCROW_DELIVERY_WINDOW", 14*24*time.Hour)
			return
		},
		func() (err error) {
			cfg.DisputeResponseWindow, err = getDurationWithDefault("DISPUTE_RESPONSE_WINDOW", 72*time.Hour)
			return
		},
	}
	for _, parse := range parsers {
		if err := parse(); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Create data directory if the sqlite backend needs it
	if cfg.StorageType == StorageSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return cfg, nil
}

// validate checks if all required configuration is present
func (c *Config) validate() error {
	switch c.StorageType {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_TYPE=postgres")
		}
	default:
		return fmt.Errorf("STORAGE_TYPE must be one of memory, sqlite, postgres, got %q", c.StorageType)
	}
	if c.MaxTxRetries < 1 {
		return fmt.Errorf("MAX_TX_RETRIES must be at least 1")
	}
	if c.InspectionHours < 1 {
		return fmt.Errorf("INSPECTION_HOURS must be at least 1")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.FacilitatorMinFee < 0 {
		return fmt.Errorf("FACILITATOR_MIN_FEE cannot be negative")
	}
	if rate, err := strconv.ParseFloat(c.FacilitatorFeeRate, 64); err != nil || rate < 0 || rate > 1 {
		return fmt.Errorf("FACILITATOR_FEE_RATE must be a number between 0 and 1, got %q", c.FacilitatorFeeRate)
	}
	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getInt64WithDefault(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

// getDurationWithDefault accepts Go durations ("90m") or plain numbers as hours
func getDurationWithDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if hours, err := strconv.Atoi(value); err == nil {
		return time.Duration(hours) * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
