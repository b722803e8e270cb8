package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-harvester/internal/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type stubInspector struct {
	pending bool
	calls   int
}

func (s *stubInspector) HasPendingTasks(ctx context.Context, provider types.ProviderType) (bool, error) {
	s.calls++
	return s.pending, nil
}

func setupController(t *testing.T) (*Controller, *miniredis.Miniredis, *fakeClock, *Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	metrics := NewMetrics(client, DefaultKeyPrefix)
	c, err := NewController(&ControllerConfig{
		Redis:   client,
		Metrics: metrics,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	return c, mr, clock, metrics
}

func TestNewController_RequiresRedis(t *testing.T) {
	_, err := NewController(nil)
	assert.Error(t, err)

	_, err = NewController(&ControllerConfig{})
	assert.Error(t, err)
}

func TestController_CurrentRateDefaults(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()

	tests := []struct {
		provider types.ProviderType
		want     Rate
	}{
		{types.ProviderShopify, DefaultShopifyRate},
		{types.ProviderEtsy, DefaultEtsyRate},
		{types.ProviderStripe, Unlimited},
		{types.ProviderType("woocommerce"), DefaultGlobalFallbackRate},
	}
	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			got, err := c.CurrentRate(ctx, tt.provider)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestController_ReduceRate_HalvesToFloor(t *testing.T) {
	c, _, _, metrics := setupController(t)
	ctx := context.Background()

	r, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
	require.NoError(t, err)
	assert.Equal(t, Reduction{Previous: 2, Current: 1}, r)

	r, err = c.ReduceRate(ctx, types.ProviderShopify, nil)
	require.NoError(t, err)
	assert.Equal(t, Reduction{Previous: 1, Current: 1}, r)

	rate, err := c.CurrentRate(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Equal(t, Rate(1), rate)
	assert.EqualValues(t, 2, metrics.Snapshot(ctx, types.ProviderShopify).Reductions)
}

func TestController_ReduceRate_ProvidedLimit(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		provider types.ProviderType
		provided int
		want     Rate
	}{
		{"capped by default", types.ProviderEtsy, 40, 10},
		{"half of provided", types.ProviderEtsy, 8, 4},
		{"floored at min", types.ProviderEtsy, 1, 1},
		{"unlimited provider has no ceiling", types.ProviderStripe, 100, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := c.ReduceRate(ctx, tt.provider, &tt.provided)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Current)
		})
	}
}

func TestController_ReduceRate_UnlimitedUsesFallback(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()

	r, err := c.ReduceRate(ctx, types.ProviderStripe, nil)
	require.NoError(t, err)
	assert.Equal(t, Unlimited, r.Previous)
	assert.Equal(t, Rate(2), r.Current)

	r, err = c.ReduceRate(ctx, types.ProviderStripe, nil)
	require.NoError(t, err)
	assert.Equal(t, Rate(1), r.Current)
}

func TestController_ReduceRate_RecordsCooldown(t *testing.T) {
	c, _, clock, _ := setupController(t)
	ctx := context.Background()

	_, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
	require.NoError(t, err)

	st, err := c.State(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli(), st.LastLimitedAt.UnixMilli())
	assert.Equal(t, clock.Now().Add(time.Hour).UnixMilli(), st.CooldownUntil.UnixMilli())
	assert.True(t, st.InCooldown(clock.Now()))
	assert.EqualValues(t, 1, st.Reductions)
}

func TestController_SetRate_Clamps(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()

	got, err := c.SetRate(ctx, types.ProviderEtsy, 50)
	require.NoError(t, err)
	assert.Equal(t, Rate(10), got)

	got, err = c.SetRate(ctx, types.ProviderEtsy, Unlimited)
	require.NoError(t, err)
	assert.Equal(t, Rate(10), got)

	got, err = c.SetRate(ctx, types.ProviderEtsy, 3)
	require.NoError(t, err)
	assert.Equal(t, Rate(3), got)

	got, err = c.SetRate(ctx, types.ProviderStripe, Unlimited)
	require.NoError(t, err)
	assert.Equal(t, Unlimited, got)
}

func TestController_TryAcquire_FixedWindow(t *testing.T) {
	c, _, clock, metrics := setupController(t)
	ctx := context.Background()

	assert.True(t, c.TryAcquire(ctx, types.ProviderShopify).Allowed)
	assert.True(t, c.TryAcquire(ctx, types.ProviderShopify).Allowed)

	denied := c.TryAcquire(ctx, types.ProviderShopify)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 2, denied.Capacity)
	assert.Greater(t, denied.Wait, time.Duration(0))
	assert.LessOrEqual(t, denied.Wait, time.Second+time.Millisecond)

	clock.Advance(time.Second)
	assert.True(t, c.TryAcquire(ctx, types.ProviderShopify).Allowed)

	snap := metrics.Snapshot(ctx, types.ProviderShopify)
	assert.EqualValues(t, 3, snap.Admitted)
	assert.EqualValues(t, 1, snap.Throttled)
}

func TestController_TryAcquire_FollowsReducedRate(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()

	_, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
	require.NoError(t, err)

	assert.True(t, c.TryAcquire(ctx, types.ProviderShopify).Allowed)
	assert.False(t, c.TryAcquire(ctx, types.ProviderShopify).Allowed)
}

func TestController_TryAcquire_Unlimited(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		adm := c.TryAcquire(ctx, types.ProviderStripe)
		require.True(t, adm.Allowed)
		assert.Zero(t, adm.Capacity)
	}
}

func TestController_TryAcquire_FailsClosed(t *testing.T) {
	c, mr, _, _ := setupController(t)
	mr.Close()

	adm := c.TryAcquire(context.Background(), types.ProviderStripe)
	assert.False(t, adm.Allowed)
	assert.Greater(t, adm.Wait, time.Duration(0))
}

func TestController_Wait_RespectsContext(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()

	require.NoError(t, c.Wait(ctx, types.ProviderShopify))
	require.NoError(t, c.Wait(ctx, types.ProviderShopify))

	// The fake clock never advances, so the third call can only end by cancellation.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(cctx, types.ProviderShopify), context.DeadlineExceeded)
}

func TestController_Reset(t *testing.T) {
	c, _, _, _ := setupController(t)
	ctx := context.Background()

	_, err := c.ReduceRate(ctx, types.ProviderEtsy, nil)
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx, types.ProviderEtsy))

	rate, err := c.CurrentRate(ctx, types.ProviderEtsy)
	require.NoError(t, err)
	assert.Equal(t, DefaultEtsyRate, rate)
}

func TestController_MonitorAndMaybeReset(t *testing.T) {
	ctx := context.Background()

	t.Run("at default is a no-op", func(t *testing.T) {
		c, _, _, _ := setupController(t)
		insp := &stubInspector{}
		res, err := c.MonitorAndMaybeReset(ctx, types.ProviderShopify, insp)
		require.NoError(t, err)
		assert.False(t, res.Reset)
		assert.Equal(t, "at default", res.Reason)
		assert.Zero(t, insp.calls)
	})

	t.Run("cooldown blocks reset", func(t *testing.T) {
		c, _, clock, _ := setupController(t)
		_, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		res, err := c.MonitorAndMaybeReset(ctx, types.ProviderShopify, &stubInspector{})
		require.NoError(t, err)
		assert.False(t, res.Reset)
		assert.Equal(t, "cooldown active", res.Reason)
	})

	t.Run("pending tasks keep reduced rate", func(t *testing.T) {
		c, _, clock, _ := setupController(t)
		_, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
		require.NoError(t, err)

		clock.Advance(61 * time.Minute)
		res, err := c.MonitorAndMaybeReset(ctx, types.ProviderShopify, &stubInspector{pending: true})
		require.NoError(t, err)
		assert.False(t, res.Reset)
		assert.Equal(t, Rate(1), res.Rate)
	})

	t.Run("idle queue restores default", func(t *testing.T) {
		c, _, clock, _ := setupController(t)
		_, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
		require.NoError(t, err)

		clock.Advance(61 * time.Minute)
		res, err := c.MonitorAndMaybeReset(ctx, types.ProviderShopify, &stubInspector{})
		require.NoError(t, err)
		assert.True(t, res.Reset)
		assert.Equal(t, DefaultShopifyRate, res.Rate)

		rate, err := c.CurrentRate(ctx, types.ProviderShopify)
		require.NoError(t, err)
		assert.Equal(t, DefaultShopifyRate, rate)
	})

	t.Run("quiet observation window restores default despite pending tasks", func(t *testing.T) {
		c, _, clock, _ := setupController(t)
		_, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
		require.NoError(t, err)

		clock.Advance(2*time.Hour + time.Minute)
		insp := &stubInspector{pending: true}
		res, err := c.MonitorAndMaybeReset(ctx, types.ProviderShopify, insp)
		require.NoError(t, err)
		assert.True(t, res.Reset)
		assert.Zero(t, insp.calls)
	})
}

func TestController_ResetScriptRejectsNewerReduction(t *testing.T) {
	c, _, clock, _ := setupController(t)
	ctx := context.Background()

	_, err := c.ReduceRate(ctx, types.ProviderShopify, nil)
	require.NoError(t, err)
	stale, err := c.State(ctx, types.ProviderShopify)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = c.ReduceRate(ctx, types.ProviderShopify, nil)
	require.NoError(t, err)

	ok, err := resetScript.Run(ctx, c.redis, []string{c.stateKey(types.ProviderShopify)},
		int(DefaultShopifyRate), stale.LastLimitedAt.UnixMilli(),
	).Int()
	require.NoError(t, err)
	assert.Equal(t, 0, ok)

	rate, err := c.CurrentRate(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Equal(t, Rate(1), rate)
}
