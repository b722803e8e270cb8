// Package ratelimit provides the shared, provider-scoped rate limit controller
// consulted by every fetch worker before calling an upstream provider.
package ratelimit

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/commerce-harvester/internal/types"
)

// Rate is a permitted call rate in calls per second. Zero means unlimited.
type Rate int

// Unlimited is the rate of providers without a documented limit
const Unlimited Rate = 0

// IsUnlimited reports whether the rate imposes no limit
func (r Rate) IsUnlimited() bool {
	return r <= 0
}

func (r Rate) String() string {
	if r.IsUnlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d/s", int(r))
}

// Default configuration values for rate limiting.
const (
	DefaultShopifyRate           Rate = 2  // Shopify REST leaky bucket drains 2 calls/s
	DefaultEtsyRate              Rate = 10 // Etsy Open API v3 allows 10 calls/s
	DefaultStripeRate            Rate = Unlimited
	DefaultGlobalFallbackRate    Rate = 5 // Used when a provider has no configured default
	DefaultMinRate               Rate = 1 // Floor so reductions never converge to zero
	DefaultWindowSizeMs               = 1000
	DefaultMinRateLimitRetryTime      = 3600 // Seconds before a rate-limited harvest is retried
	DefaultKeyPrefix                  = "harvest:"
)

// Environment variable names for rate limit configuration.
const (
	EnvProviderRatePrefix    = "RATE_LIMIT_DEFAULT_"
	EnvGlobalFallbackRate    = "GLOBAL_FALLBACK_RATE"
	EnvMinRate               = "RATE_LIMIT_MIN_RATE"
	EnvWindowSizeMs          = "RATE_LIMIT_WINDOW_MS"
	EnvMinRateLimitRetryTime = "MIN_RATE_LIMIT_RETRY_TIME"
	EnvKeyPrefix             = "RATE_LIMIT_KEY_PREFIX"
)

// Config holds all rate limiting configuration.
// Configuration is loaded from environment variables with fallback to defaults.
type Config struct {
	// ProviderRates is the static default (and ceiling) rate per provider.
	// Environment: RATE_LIMIT_DEFAULT_<PROVIDER>, "unlimited" or 0 for no limit.
	ProviderRates map[types.ProviderType]Rate

	// GlobalFallbackRate applies to providers missing from ProviderRates.
	// Environment: GLOBAL_FALLBACK_RATE, Default: 5
	GlobalFallbackRate Rate

	// MinRate is the lowest rate a reduction can produce.
	// Environment: RATE_LIMIT_MIN_RATE, Default: 1
	MinRate Rate

	// WindowSizeMs is the fixed admission window in milliseconds.
	// Environment: RATE_LIMIT_WINDOW_MS, Default: 1000
	WindowSizeMs int

	// MinRateLimitRetryTime is the cooldown, in seconds, after a rate-limit
	// signal. It is also the delay before a rate-limited harvest is retried.
	// Environment: MIN_RATE_LIMIT_RETRY_TIME, Default: 3600
	MinRateLimitRetryTime int

	// KeyPrefix namespaces every Redis key written by this package.
	// Environment: RATE_LIMIT_KEY_PREFIX, Default: "harvest:"
	KeyPrefix string
}

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		ProviderRates: map[types.ProviderType]Rate{
			types.ProviderShopify: DefaultShopifyRate,
			types.ProviderEtsy:    DefaultEtsyRate,
			types.ProviderStripe:  DefaultStripeRate,
		},
		GlobalFallbackRate:    DefaultGlobalFallbackRate,
		MinRate:               DefaultMinRate,
		WindowSizeMs:          DefaultWindowSizeMs,
		MinRateLimitRetryTime: DefaultMinRateLimitRetryTime,
		KeyPrefix:             DefaultKeyPrefix,
	}
}

// LoadFromEnv loads configuration from environment variables.
// Invalid values are logged as warnings and defaults are used instead.
func LoadFromEnv() *Config {
	cfg := NewConfig()

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvProviderRatePrefix) {
			continue
		}
		provider := types.ProviderType(strings.ToLower(strings.TrimPrefix(key, EnvProviderRatePrefix)))
		if provider == "" {
			continue
		}
		rate, err := ParseRate(value)
		if err != nil {
			log.Printf("WARNING: Invalid %s value %q, keeping default", key, value)
			continue
		}
		cfg.ProviderRates[provider] = rate
	}

	if val := getEnvInt(EnvGlobalFallbackRate, int(DefaultGlobalFallbackRate)); val > 0 {
		cfg.GlobalFallbackRate = Rate(val)
	} else if os.Getenv(EnvGlobalFallbackRate) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvGlobalFallbackRate, DefaultGlobalFallbackRate)
	}

	if val := getEnvInt(EnvMinRate, int(DefaultMinRate)); val > 0 {
		cfg.MinRate = Rate(val)
	} else if os.Getenv(EnvMinRate) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvMinRate, DefaultMinRate)
	}

	if val := getEnvInt(EnvWindowSizeMs, DefaultWindowSizeMs); val > 0 {
		cfg.WindowSizeMs = val
	} else if os.Getenv(EnvWindowSizeMs) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvWindowSizeMs, DefaultWindowSizeMs)
	}

	if val := getEnvInt(EnvMinRateLimitRetryTime, DefaultMinRateLimitRetryTime); val > 0 {
		cfg.MinRateLimitRetryTime = val
	} else if os.Getenv(EnvMinRateLimitRetryTime) != "" {
		log.Printf("WARNING: Invalid %s value, using default %d", EnvMinRateLimitRetryTime, DefaultMinRateLimitRetryTime)
	}

	if prefix := os.Getenv(EnvKeyPrefix); prefix != "" {
		cfg.KeyPrefix = prefix
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("WARNING: Configuration validation failed: %v. Using defaults.", err)
		return NewConfig()
	}

	return cfg
}

// ParseRate parses "unlimited", "0" or a positive integer.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "unlimited" || s == "none" {
		return Unlimited, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid rate %q: must not be negative", s)
	}
	return Rate(v), nil
}

// Validate ensures configuration is valid.
// Returns an error if:
// - GlobalFallbackRate or MinRate is not positive
// - a limited provider default is below MinRate
// - WindowSizeMs or MinRateLimitRetryTime is not positive
func (c *Config) Validate() error {
	if c.GlobalFallbackRate <= 0 {
		return errors.New("GlobalFallbackRate must be positive")
	}
	if c.MinRate <= 0 {
		return errors.New("MinRate must be positive")
	}
	if c.GlobalFallbackRate < c.MinRate {
		return fmt.Errorf("GlobalFallbackRate (%d) cannot be below MinRate (%d)", c.GlobalFallbackRate, c.MinRate)
	}
	for provider, rate := range c.ProviderRates {
		if rate < 0 {
			return fmt.Errorf("rate for %s cannot be negative", provider)
		}
		if !rate.IsUnlimited() && rate < c.MinRate {
			return fmt.Errorf("rate for %s (%d) cannot be below MinRate (%d)", provider, rate, c.MinRate)
		}
	}
	if c.WindowSizeMs <= 0 {
		return errors.New("WindowSizeMs must be positive")
	}
	if c.MinRateLimitRetryTime <= 0 {
		return errors.New("MinRateLimitRetryTime must be positive")
	}
	return nil
}

// WindowSize returns the admission window as a duration.
func (c *Config) WindowSize() time.Duration {
	return time.Duration(c.WindowSizeMs) * time.Millisecond
}

// Cooldown returns MinRateLimitRetryTime as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.MinRateLimitRetryTime) * time.Second
}

// getEnvInt reads an environment variable and parses it as an integer.
// Returns the default value if unset and -1 if it cannot be parsed.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}

	return intVal
}

// String returns a string representation of the configuration for logging.
func (c *Config) String() string {
	providers := make([]string, 0, len(c.ProviderRates))
	for p, r := range c.ProviderRates {
		providers = append(providers, fmt.Sprintf("%s=%s", p, r))
	}
	sort.Strings(providers)
	return fmt.Sprintf(
		"RateLimitConfig{Providers: [%s], GlobalFallbackRate: %s, MinRate: %s, WindowSizeMs: %d, MinRateLimitRetryTime: %ds}",
		strings.Join(providers, ", "), c.GlobalFallbackRate, c.MinRate, c.WindowSizeMs, c.MinRateLimitRetryTime,
	)
}
