package lib

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config contains runtime configuration. Values come from DefaultConfig, then
// the optional YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	StoreDriver       string `env:"STORE_DRIVER" yaml:"store_driver"`
	DatabaseURL       string `env:"DATABASE_URL" yaml:"database_url"`
	SQLitePath        string `env:"SQLITE_PATH" yaml:"sqlite_path"`
	CurrentStateTable string `env:"VALID_TABLE" yaml:"valid_table"`
	ExceptionTable    string `env:"INVALID_TABLE" yaml:"invalid_table"`

	ProjectID              string `env:"PROJECT_ID" yaml:"project_id"`
	SubscriptionID         string `env:"SUBSCRIPTION_ID" yaml:"subscription_id"`
	TopicID                string `env:"TOPIC_ID" yaml:"topic_id"`
	Workers                int    `env:"WORKERS" yaml:"workers"`
	MaxOutstandingMessages int    `env:"MAX_OUTSTANDING_MESSAGES" yaml:"max_outstanding_messages"`

	MergeMaxAttempts  int           `env:"MERGE_MAX_ATTEMPTS" yaml:"merge_max_attempts"`
	MergeRetryInitial time.Duration `env:"MERGE_RETRY_INITIAL" yaml:"merge_retry_initial"`
	MergeRetryMax     time.Duration `env:"MERGE_RETRY_MAX" yaml:"merge_retry_max"`

	HTTPAddr        string        `env:"HTTP_ADDR" yaml:"http_addr"`
	GRPCHealthAddr  string        `env:"GRPC_HEALTH_ADDR" yaml:"grpc_health_addr"`
	LogLevel        string        `env:"LOG_LEVEL" yaml:"log_level"`
	OTelEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otel_endpoint"`
	ServiceName     string        `env:"SERVICE_NAME" yaml:"service_name"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`

	ArchiveBucket    string `env:"EXCEPTION_ARCHIVE_BUCKET" yaml:"exception_archive_bucket"`
	ArchiveRegion    string `env:"EXCEPTION_ARCHIVE_REGION" yaml:"exception_archive_region"`
	ArchiveEndpoint  string `env:"EXCEPTION_ARCHIVE_ENDPOINT" yaml:"exception_archive_endpoint"`
	ArchivePathStyle bool   `env:"EXCEPTION_ARCHIVE_PATH_STYLE" yaml:"exception_archive_path_style"`

	GeneratorAPIKey     string `env:"API_KEY" yaml:"api_key"`
	GeneratorAddr       string `env:"GENERATOR_ADDR" yaml:"generator_addr"`
	GeneratorTimezone   string `env:"GENERATOR_TIMEZONE" yaml:"generator_timezone"`
	GeneratorMaxMinutes int    `env:"GENERATOR_MAX_MINUTES" yaml:"generator_max_minutes"`
	GeneratorRateBurst  int    `env:"GENERATOR_RATE_BURST" yaml:"generator_rate_burst"`
	GeneratorRatePerMin int    `env:"GENERATOR_RATE_PER_MIN" yaml:"generator_rate_per_min"`
}

func DefaultConfig() Config {
	return Config{
		StoreDriver:            StoreDriverPostgres,
		SQLitePath:             "data/clickstream.db",
		CurrentStateTable:      "events_current",
		ExceptionTable:         "events_exceptions",
		Workers:                8,
		MaxOutstandingMessages: 100,
		MergeMaxAttempts:       5,
		MergeRetryInitial:      100 * time.Millisecond,
		MergeRetryMax:          2 * time.Second,
		HTTPAddr:               ":8080",
		LogLevel:               "INFO",
		ServiceName:            "clickstream",
		ShutdownTimeout:        30 * time.Second,
		ArchiveRegion:          "us-east-1",
		GeneratorAddr:          ":8081",
		GeneratorTimezone:      "Asia/Manila",
		GeneratorMaxMinutes:    20,
		GeneratorRateBurst:     3,
		GeneratorRatePerMin:    6,
	}
}

func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.CurrentStateTable = strings.TrimSpace(cfg.CurrentStateTable)
	cfg.ExceptionTable = strings.TrimSpace(cfg.ExceptionTable)

	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0")
	}

	return cfg, nil
}

// ValidateStore checks the settings every command that touches the tables needs.
func (c Config) ValidateStore() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverSQLite)
	}
	if c.CurrentStateTable == "" {
		return fmt.Errorf("VALID_TABLE is required")
	}
	if c.ExceptionTable == "" {
		return fmt.Errorf("INVALID_TABLE is required")
	}
	if strings.EqualFold(c.CurrentStateTable, c.ExceptionTable) {
		return fmt.Errorf("VALID_TABLE and INVALID_TABLE must differ")
	}
	if c.MergeMaxAttempts <= 0 {
		return fmt.Errorf("MERGE_MAX_ATTEMPTS must be > 0")
	}
	if c.MergeRetryInitial <= 0 || c.MergeRetryMax < c.MergeRetryInitial {
		return fmt.Errorf("MERGE_RETRY_INITIAL must be > 0 and <= MERGE_RETRY_MAX")
	}
	return nil
}

// ValidateConsumer checks the settings for the subscription loop.
func (c Config) ValidateConsumer() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID is required")
	}
	if c.SubscriptionID == "" {
		return fmt.Errorf("SUBSCRIPTION_ID is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be > 0")
	}
	if c.MaxOutstandingMessages < c.Workers {
		return fmt.Errorf("MAX_OUTSTANDING_MESSAGES must be >= WORKERS")
	}
	return nil
}

// ValidateGenerator checks the settings for the event generation endpoint.
func (c Config) ValidateGenerator() error {
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID is required")
	}
	if c.TopicID == "" {
		return fmt.Errorf("TOPIC_ID is required")
	}
	if c.GeneratorAPIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.GeneratorMaxMinutes <= 0 {
		return fmt.Errorf("GENERATOR_MAX_MINUTES must be > 0")
	}
	if c.GeneratorRateBurst <= 0 {
		return fmt.Errorf("GENERATOR_RATE_BURST must be > 0")
	}
	if c.GeneratorRatePerMin <= 0 {
		return fmt.Errorf("GENERATOR_RATE_PER_MIN must be > 0")
	}
	if _, err := time.LoadLocation(c.GeneratorTimezone); err != nil {
		return fmt.Errorf("GENERATOR_TIMEZONE is invalid: %w", err)
	}
	return nil
}
