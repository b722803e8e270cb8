package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-harvester/internal/circuitbreaker"
	"github.com/commerce-harvester/internal/config"
	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/types"
)

func TestNewRegistry_RegistersAllProviders(t *testing.T) {
	registry, err := NewRegistry(config.ProvidersConfig{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []types.ProviderType{types.ProviderShopify, types.ProviderEtsy, types.ProviderStripe}, registry.Types())

	stripe, err := registry.Get(types.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Unlimited, stripe.StaticRateDefault())

	_, err = registry.Get("square")
	assert.ErrorIs(t, err, harvesterrors.ErrUnknownProvider)
}

func TestBreakerTemplate(t *testing.T) {
	tmpl := BreakerTemplate(config.ProvidersConfig{
		BreakerConsecutiveFailures: 2,
		BreakerOpenTimeout:         time.Second,
	})
	c := tmpl(types.ProviderEtsy)
	assert.Equal(t, types.ProviderEtsy, c.Provider)
	assert.Equal(t, 2, c.ConsecutiveFailures)
	assert.Equal(t, time.Second, c.OpenTimeout)
	require.NotNil(t, c.IsFailure)

	// an account-level rejection does not count against the provider
	assert.False(t, c.IsFailure(harvesterrors.NewAuthError("etsy", "revoked")))

	defaults := BreakerTemplate(config.ProvidersConfig{})(types.ProviderEtsy)
	assert.Equal(t, circuitbreaker.DefaultConfig(types.ProviderEtsy).ConsecutiveFailures, defaults.ConsecutiveFailures)
}

func TestBackoff(t *testing.T) {
	fixed := Backoff(config.HarvestConfig{RetryDefaultDelay: 45 * time.Second})
	assert.Equal(t, 45*time.Second, fixed.Delay(1))
	assert.Equal(t, 45*time.Second, fixed.Delay(5))

	exp := Backoff(config.HarvestConfig{})
	assert.Less(t, exp.Delay(1), exp.Delay(3))
}
