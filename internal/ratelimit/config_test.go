package ratelimit

import (
	"os"
	"testing"
	"time"

	"github.com/commerce-harvester/internal/types"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.ProviderRates[types.ProviderShopify] != DefaultShopifyRate {
		t.Errorf("shopify rate = %v, want %v", cfg.ProviderRates[types.ProviderShopify], DefaultShopifyRate)
	}
	if !cfg.ProviderRates[types.ProviderStripe].IsUnlimited() {
		t.Errorf("stripe rate = %v, want unlimited", cfg.ProviderRates[types.ProviderStripe])
	}
	if cfg.Cooldown() != time.Hour {
		t.Errorf("Cooldown() = %v, want 1h", cfg.Cooldown())
	}
	if cfg.WindowSize() != time.Second {
		t.Errorf("WindowSize() = %v, want 1s", cfg.WindowSize())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("RATE_LIMIT_DEFAULT_ETSY", "4")
	os.Setenv("RATE_LIMIT_DEFAULT_WOOCOMMERCE", "unlimited")
	os.Setenv(EnvGlobalFallbackRate, "8")
	os.Setenv(EnvMinRateLimitRetryTime, "120")
	os.Setenv(EnvKeyPrefix, "test:")
	defer func() {
		os.Unsetenv("RATE_LIMIT_DEFAULT_ETSY")
		os.Unsetenv("RATE_LIMIT_DEFAULT_WOOCOMMERCE")
		os.Unsetenv(EnvGlobalFallbackRate)
		os.Unsetenv(EnvMinRateLimitRetryTime)
		os.Unsetenv(EnvKeyPrefix)
	}()

	cfg := LoadFromEnv()

	if cfg.ProviderRates[types.ProviderEtsy] != 4 {
		t.Errorf("etsy rate = %v, want 4", cfg.ProviderRates[types.ProviderEtsy])
	}
	if r, ok := cfg.ProviderRates["woocommerce"]; !ok || !r.IsUnlimited() {
		t.Errorf("woocommerce rate = %v (present %v), want unlimited", r, ok)
	}
	if cfg.GlobalFallbackRate != 8 {
		t.Errorf("GlobalFallbackRate = %v, want 8", cfg.GlobalFallbackRate)
	}
	if cfg.MinRateLimitRetryTime != 120 {
		t.Errorf("MinRateLimitRetryTime = %v, want 120", cfg.MinRateLimitRetryTime)
	}
	if cfg.KeyPrefix != "test:" {
		t.Errorf("KeyPrefix = %q, want %q", cfg.KeyPrefix, "test:")
	}
}

func TestLoadFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	os.Setenv("RATE_LIMIT_DEFAULT_SHOPIFY", "fast")
	os.Setenv(EnvGlobalFallbackRate, "-3")
	defer func() {
		os.Unsetenv("RATE_LIMIT_DEFAULT_SHOPIFY")
		os.Unsetenv(EnvGlobalFallbackRate)
	}()

	cfg := LoadFromEnv()

	if cfg.ProviderRates[types.ProviderShopify] != DefaultShopifyRate {
		t.Errorf("shopify rate = %v, want %v", cfg.ProviderRates[types.ProviderShopify], DefaultShopifyRate)
	}
	if cfg.GlobalFallbackRate != DefaultGlobalFallbackRate {
		t.Errorf("GlobalFallbackRate = %v, want %v", cfg.GlobalFallbackRate, DefaultGlobalFallbackRate)
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    Rate
		wantErr bool
	}{
		{"2", 2, false},
		{" 10 ", 10, false},
		{"0", Unlimited, false},
		{"Unlimited", Unlimited, false},
		{"none", Unlimited, false},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fallback", func(c *Config) { c.GlobalFallbackRate = 0 }},
		{"zero min rate", func(c *Config) { c.MinRate = 0 }},
		{"provider below min", func(c *Config) { c.MinRate = 3; c.ProviderRates[types.ProviderShopify] = 2 }},
		{"zero window", func(c *Config) { c.WindowSizeMs = 0 }},
		{"zero cooldown", func(c *Config) { c.MinRateLimitRetryTime = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestRateString(t *testing.T) {
	if got := Unlimited.String(); got != "unlimited" {
		t.Errorf("Unlimited.String() = %q", got)
	}
	if got := Rate(3).String(); got != "3/s" {
		t.Errorf("Rate(3).String() = %q", got)
	}
}
