package ratelimit

import (
	"sort"
	"sync"

	"github.com/commerce-harvester/internal/types"
)

// DefaultRates maps provider types to their static default rate.
// The default is also the ceiling: no reduction or manual override exceeds it.
// It is safe for concurrent use.
type DefaultRates struct {
	mu       sync.RWMutex
	rates    map[types.ProviderType]Rate
	fallback Rate
}

// NewDefaultRates creates the registry from configuration.
// If cfg is nil, default configuration is used.
func NewDefaultRates(cfg *Config) *DefaultRates {
	if cfg == nil {
		cfg = NewConfig()
	}

	rates := make(map[types.ProviderType]Rate, len(cfg.ProviderRates))
	for p, r := range cfg.ProviderRates {
		rates[p] = r
	}

	fallback := cfg.GlobalFallbackRate
	if fallback <= 0 {
		fallback = DefaultGlobalFallbackRate
	}

	return &DefaultRates{
		rates:    rates,
		fallback: fallback,
	}
}

// Get returns the default rate for a provider, or the global fallback
// when the provider has none configured.
func (d *DefaultRates) Get(provider types.ProviderType) Rate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if r, ok := d.rates[provider]; ok {
		return r
	}
	return d.fallback
}

// Set registers a provider default, typically the provider's own static
// rate when it was not configured through the environment.
// Negative values are ignored.
func (d *DefaultRates) Set(provider types.ProviderType, rate Rate) {
	if rate < 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.rates[provider] = rate
}

// SetIfAbsent registers a default only when none is configured.
func (d *DefaultRates) SetIfAbsent(provider types.ProviderType, rate Rate) {
	if rate < 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rates[provider]; !ok {
		d.rates[provider] = rate
	}
}

// Fallback returns the global fallback rate.
func (d *DefaultRates) Fallback() Rate {
	return d.fallback
}

// Known returns the configured provider types, sorted.
func (d *DefaultRates) Known() []types.ProviderType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.ProviderType, 0, len(d.rates))
	for p := range d.rates {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
