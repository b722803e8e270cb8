package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-harvester/internal/types"
)

var errUpstream = errors.New("upstream 503")

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cfg := DefaultConfig(types.ProviderEtsy)
	cfg.ConsecutiveFailures = 3
	cfg.OpenTimeout = time.Minute
	cfg.HalfOpenMaxCalls = 2
	cfg.Now = func() time.Time { return *now }
	return NewCircuitBreaker(cfg)
}

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error { called = true; return nil })
	assert.False(t, called)
	require.ErrorIs(t, err, ErrCircuitOpen)

	var open *OpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, time.Minute, open.RetryAfter())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	now = now.Add(61 * time.Second)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Stats().TotalCalls)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	now = now.Add(61 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig(types.ProviderShopify)
	cfg.ConsecutiveFailures = 1
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errIgnored) }
	cfg.Now = func() time.Time { return now }
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errIgnored })
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

var errIgnored = errors.New("422 unprocessable")

func TestManager(t *testing.T) {
	m := NewManager(nil)

	a := m.For(types.ProviderStripe)
	b := m.For(types.ProviderStripe)
	assert.Same(t, a, b)
	m.For(types.ProviderEtsy)

	stats := m.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, types.ProviderEtsy, stats[0].Provider)
	assert.Equal(t, types.ProviderStripe, stats[1].Provider)

	m.ResetAll()
	assert.Equal(t, StateClosed, a.State())
}
