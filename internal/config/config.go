// Package config provides configuration management for the harvester processes.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/commerce-harvester/internal/ratelimit"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Harvest   HarvestConfig
	Queue     QueueConfig
	Events    EventsConfig
	Providers ProvidersConfig
	RateLimit *ratelimit.Config
	Logging   LoggingConfig
}

// ServerConfig holds admin API server configuration
type ServerConfig struct {
	Port string
	Host string

	// Per-client limit on the admin API
	RequestsPerSecond float64
	Burst             int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// URL returns the connection URL used by golang-migrate
func (c ClickHouseConfig) URL() string {
	q := url.Values{}
	q.Set("username", c.User)
	q.Set("password", c.Password)
	q.Set("database", c.Database)
	q.Set("x-multi-statement", "true")
	return fmt.Sprintf("clickhouse://%s:%s?%s", c.Host, c.Port, q.Encode())
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// HarvestConfig holds scheduler and fetch worker policy
type HarvestConfig struct {
	// MaxRetries bounds consecutive RateLimited/Retriable attempts of one fetch cycle
	MaxRetries int
	// FetchCadence is how long a successful account rests before it is due again
	FetchCadence time.Duration
	// InitialEnqueueDelay lets the scheduled write land before a worker reads it
	InitialEnqueueDelay time.Duration
	SweepInterval       time.Duration
	// OrphanTimeout reschedules accounts whose queued message was lost
	OrphanTimeout time.Duration
	// StaleFetchTimeout lets a forced re-fetch take over an abandoned in_progress fetch
	StaleFetchTimeout time.Duration
	// RetryDefaultDelay is the fixed delay for Retriable without a hint.
	// Zero selects the exponential backoff.
	RetryDefaultDelay time.Duration
	// MonitorInterval drives the rate limit monitor job
	MonitorInterval time.Duration
}

// QueueConfig holds task queue configuration
type QueueConfig struct {
	KeyPrefix         string
	Concurrency       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// EventsConfig selects the downstream event sinks
type EventsConfig struct {
	RedisEnabled      bool
	ClickHouseEnabled bool
	BatchSize         int
	FlushInterval     time.Duration
}

// ProvidersConfig holds upstream API client settings. Empty base URLs use
// each provider's public endpoint.
type ProvidersConfig struct {
	ShopifyBaseURL string
	EtsyBaseURL    string
	EtsyAPIKey     string
	StripeBaseURL  string
	PageSize       int
	RequestTimeout time.Duration

	// Circuit breaker per provider
	BreakerConsecutiveFailures int
	BreakerOpenTimeout         time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	rl := ratelimit.LoadFromEnv()
	cooldown := rl.Cooldown()

	config := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSecond: getEnvAsFloat("ADMIN_RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("ADMIN_RATE_LIMIT_BURST", 10),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "harvester"),
				User:           getEnv("POSTGRES_USER", "harvester"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "harvester"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Harvest: HarvestConfig{
			MaxRetries:          getEnvAsInt("MAX_RETRIES", 10),
			FetchCadence:        getEnvAsDuration("FETCH_CADENCE", 24*time.Hour),
			InitialEnqueueDelay: getEnvAsSeconds("INITIAL_ENQUEUE_DELAY", time.Minute),
			SweepInterval:       getEnvAsDuration("SWEEP_INTERVAL", 15*time.Minute),
			OrphanTimeout:       getEnvAsSeconds("ORPHAN_TIMEOUT", 3*cooldown),
			StaleFetchTimeout:   getEnvAsSeconds("STALE_FETCH_TIMEOUT", 2*time.Hour),
			RetryDefaultDelay:   getEnvAsSeconds("RETRY_DEFAULT_DELAY_SECONDS", 0),
			MonitorInterval:     getEnvAsSeconds("RATE_LIMIT_MONITOR_INTERVAL", 2*cooldown),
		},
		Queue: QueueConfig{
			KeyPrefix:         getEnv("QUEUE_KEY_PREFIX", "harvest:queue:"),
			Concurrency:       getEnvAsInt("QUEUE_CONCURRENCY", 4),
			VisibilityTimeout: getEnvAsSeconds("QUEUE_VISIBILITY_TIMEOUT", 30*time.Minute),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
		},
		Events: EventsConfig{
			RedisEnabled:      getEnvAsBool("EVENTS_REDIS_ENABLED", true),
			ClickHouseEnabled: getEnvAsBool("EVENTS_CLICKHOUSE_ENABLED", false),
			BatchSize:         getEnvAsInt("EVENTS_BATCH_SIZE", 500),
			FlushInterval:     getEnvAsDuration("EVENTS_FLUSH_INTERVAL", 5*time.Second),
		},
		Providers: ProvidersConfig{
			ShopifyBaseURL:             getEnv("SHOPIFY_BASE_URL", ""),
			EtsyBaseURL:                getEnv("ETSY_BASE_URL", ""),
			EtsyAPIKey:                 getEnv("ETSY_API_KEY", ""),
			StripeBaseURL:              getEnv("STRIPE_BASE_URL", ""),
			PageSize:                   getEnvAsInt("PROVIDER_PAGE_SIZE", 0),
			RequestTimeout:             getEnvAsSeconds("PROVIDER_REQUEST_TIMEOUT", 30*time.Second),
			BreakerConsecutiveFailures: getEnvAsInt("BREAKER_CONSECUTIVE_FAILURES", 5),
			BreakerOpenTimeout:         getEnvAsSeconds("BREAKER_OPEN_TIMEOUT", time.Minute),
		},
		RateLimit: rl,
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Harvest.MaxRetries < 0 {
		return errors.New("MAX_RETRIES cannot be negative")
	}
	if c.Harvest.FetchCadence <= 0 {
		return errors.New("FETCH_CADENCE must be positive")
	}
	if c.Harvest.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.Harvest.MonitorInterval <= 0 {
		return errors.New("RATE_LIMIT_MONITOR_INTERVAL must be positive")
	}
	if c.Harvest.OrphanTimeout <= c.Harvest.InitialEnqueueDelay {
		return fmt.Errorf("ORPHAN_TIMEOUT (%v) must exceed INITIAL_ENQUEUE_DELAY (%v)",
			c.Harvest.OrphanTimeout, c.Harvest.InitialEnqueueDelay)
	}
	if c.Queue.Concurrency <= 0 {
		return errors.New("QUEUE_CONCURRENCY must be positive")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return errors.New("QUEUE_VISIBILITY_TIMEOUT must be positive")
	}
	if c.Providers.PageSize < 0 {
		return errors.New("PROVIDER_PAGE_SIZE cannot be negative")
	}
	if c.Providers.BreakerConsecutiveFailures <= 0 {
		return errors.New("BREAKER_CONSECUTIVE_FAILURES must be positive")
	}
	if c.RateLimit == nil {
		return errors.New("rate limit configuration is required")
	}
	if c.Harvest.OrphanTimeout <= c.RateLimit.Cooldown() {
		return fmt.Errorf("ORPHAN_TIMEOUT (%v) must exceed MIN_RATE_LIMIT_RETRY_TIME (%v)",
			c.Harvest.OrphanTimeout, c.RateLimit.Cooldown())
	}
	return c.RateLimit.Validate()
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

// getEnvAsSeconds accepts a bare number of seconds or a duration string
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	if n, err := strconv.Atoi(valueStr); err == nil {
		if n < 0 {
			return defaultValue
		}
		return time.Duration(n) * time.Second
	}
	return getEnvAsDuration(key, defaultValue)
}
