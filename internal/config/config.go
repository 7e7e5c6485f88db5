// Package config provides configuration management for the mirror.
// It loads configuration from environment variables and .env files.
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
	Server    ServerConfig
	Database  DatabaseConfig
	GitHub    GitHubConfig
	Sync      SyncConfig
	Backfill  BackfillConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Events    EventsConfig
	Logging   LoggingConfig
}

// ServerConfig holds webhook receiver configuration
type ServerConfig struct {
	Port string
	Host string
	// WebhookRequestsPerSecond limits deliveries per installation
	WebhookRequestsPerSecond float64
	WebhookBurst             int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres       PostgresConfig
	Redis          RedisConfig
	MigrationsPath string
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// GitHubConfig holds provider configuration
type GitHubConfig struct {
	APIURL        string
	GraphQLURL    string
	WebhookSecret string
	// AllowUnsignedWebhooks lets the receiver run without a secret, for local use only
	AllowUnsignedWebhooks bool
	AppToken              string
	RequestTimeout        time.Duration
	// AllowedRepositories restricts mirroring to owner/name or owner/* entries
	AllowedRepositories []string
}

// SyncConfig holds incremental sync configuration
type SyncConfig struct {
	PageSize         int
	MaxPages         int
	InitialMaxPages  int
	CycleInterval    time.Duration
	ScopeWorkers     int
	WebhookConsumers int
	WebhookBuffer    int
}

// BackfillConfig holds historical backfill configuration
type BackfillConfig struct {
	Enabled            bool
	RateLimitThreshold int
	PagesPerBatch      int
	PageSize           int
}

// RateLimitConfig holds quota tracking configuration
type RateLimitConfig struct {
	CriticalThreshold int
	LowThreshold      int
	MaxWait           time.Duration
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	Multiplier        float64
	Jitter            float64
	RateLimitAttempts int
}

// EventsConfig holds domain event delivery configuration
type EventsConfig struct {
	Workers      int
	BufferSize   int
	RedisStream  string
	StreamMaxLen int64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:                     getEnv("SERVER_PORT", "8080"),
			Host:                     getEnv("SERVER_HOST", "0.0.0.0"),
			WebhookRequestsPerSecond: getEnvAsFloat("WEBHOOK_REQUESTS_PER_SECOND", 50),
			WebhookBurst:             getEnvAsInt("WEBHOOK_BURST", 100),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "scm_mirror"),
				User:           getEnv("POSTGRES_USER", "mirror"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations/postgres"),
		},
		GitHub: GitHubConfig{
			APIURL:                getEnv("GITHUB_API_URL", "https://api.github.com/"),
			GraphQLURL:            getEnv("GITHUB_GRAPHQL_URL", "https://api.github.com/graphql"),
			WebhookSecret:         getEnv("GITHUB_WEBHOOK_SECRET", ""),
			AllowUnsignedWebhooks: getEnvAsBool("GITHUB_WEBHOOK_ALLOW_UNSIGNED", false),
			AppToken:              getEnv("GITHUB_APP_TOKEN", ""),
			RequestTimeout:        getEnvAsDuration("GITHUB_REQUEST_TIMEOUT", 30*time.Second),
			AllowedRepositories:   getEnvAsList("GITHUB_ALLOWED_REPOSITORIES"),
		},
		Sync: SyncConfig{
			PageSize:         getEnvAsInt("SYNC_PAGE_SIZE", 50),
			MaxPages:         getEnvAsInt("SYNC_MAX_PAGES", 20),
			InitialMaxPages:  getEnvAsInt("SYNC_INITIAL_MAX_PAGES", 4),
			CycleInterval:    getEnvAsDuration("SYNC_CYCLE_INTERVAL", 5*time.Minute),
			ScopeWorkers:     getEnvAsInt("SYNC_SCOPE_WORKERS", 4),
			WebhookConsumers: getEnvAsInt("SYNC_WEBHOOK_CONSUMERS", 2),
			WebhookBuffer:    getEnvAsInt("SYNC_WEBHOOK_BUFFER", 256),
		},
		Backfill: BackfillConfig{
			Enabled:            getEnvAsBool("BACKFILL_ENABLED", true),
			RateLimitThreshold: getEnvAsInt("BACKFILL_RATE_LIMIT_THRESHOLD", 100),
			PagesPerBatch:      getEnvAsInt("BACKFILL_PAGES_PER_BATCH", 1),
			PageSize:           getEnvAsInt("BACKFILL_PAGE_SIZE", 50),
		},
		RateLimit: RateLimitConfig{
			CriticalThreshold: getEnvAsInt("RATE_LIMIT_CRITICAL_THRESHOLD", 50),
			LowThreshold:      getEnvAsInt("RATE_LIMIT_LOW_THRESHOLD", 500),
			MaxWait:           getEnvAsDuration("RATE_LIMIT_MAX_WAIT", 5*time.Minute),
		},
		Retry: RetryConfig{
			InitialDelay:      getEnvAsDuration("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:          getEnvAsDuration("RETRY_MAX_DELAY", 60*time.Second),
			MaxAttempts:       getEnvAsInt("RETRY_MAX_ATTEMPTS", 5),
			Multiplier:        getEnvAsFloat("RETRY_MULTIPLIER", 2.0),
			Jitter:            getEnvAsFloat("RETRY_JITTER", 0.2),
			RateLimitAttempts: getEnvAsInt("RETRY_RATE_LIMIT_ATTEMPTS", 3),
		},
		Events: EventsConfig{
			Workers:      getEnvAsInt("EVENTS_WORKERS", 4),
			BufferSize:   getEnvAsInt("EVENTS_BUFFER_SIZE", 1024),
			RedisStream:  getEnv("EVENTS_REDIS_STREAM", "scm-mirror:events"),
			StreamMaxLen: int64(getEnvAsInt("EVENTS_STREAM_MAX_LEN", 100000)),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail deep inside a cycle
func (c *Config) Validate() error {
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 100 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be between 1 and 100, got %d", c.Sync.PageSize)
	}
	if c.Backfill.PageSize < 1 || c.Backfill.PageSize > 100 {
		return fmt.Errorf("BACKFILL_PAGE_SIZE must be between 1 and 100, got %d", c.Backfill.PageSize)
	}
	if c.Sync.MaxPages < 1 {
		return fmt.Errorf("SYNC_MAX_PAGES must be positive, got %d", c.Sync.MaxPages)
	}
	if c.Sync.ScopeWorkers < 1 {
		return fmt.Errorf("SYNC_SCOPE_WORKERS must be positive, got %d", c.Sync.ScopeWorkers)
	}
	if c.Backfill.PagesPerBatch < 1 {
		return fmt.Errorf("BACKFILL_PAGES_PER_BATCH must be positive, got %d", c.Backfill.PagesPerBatch)
	}
	return nil
}

// ValidateReceiver checks settings only the webhook receiver needs
func (c *Config) ValidateReceiver() error {
	if c.GitHub.WebhookSecret == "" && !c.GitHub.AllowUnsignedWebhooks {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required to verify deliveries (set GITHUB_WEBHOOK_ALLOW_UNSIGNED=true to accept unsigned deliveries)")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
