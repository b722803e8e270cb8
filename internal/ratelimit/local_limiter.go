package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/commerce-harvester/internal/types"
)

// LocalLimiter smooths task dispatch inside one worker process. It mirrors the
// shared rate held by the Controller so a worker does not burst through a
// whole window of admissions at once. It never replaces the shared check.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[types.ProviderType]*rate.Limiter
}

// NewLocalLimiter creates an empty local limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[types.ProviderType]*rate.Limiter)}
}

func toLimit(r Rate) (rate.Limit, int) {
	if r.IsUnlimited() {
		return rate.Inf, 0
	}
	return rate.Limit(r), int(r)
}

func (l *LocalLimiter) limiter(provider types.ProviderType) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[provider]
	if !ok {
		lim = rate.NewLimiter(rate.Inf, 0)
		l.limiters[provider] = lim
	}
	return lim
}

// Sync sets the local limit for a provider to r.
func (l *LocalLimiter) Sync(provider types.ProviderType, r Rate) {
	limit, burst := toLimit(r)
	lim := l.limiter(provider)
	lim.SetLimit(limit)
	lim.SetBurst(burst)
}

// RateReader is the read side of the shared controller.
type RateReader interface {
	CurrentRate(ctx context.Context, provider types.ProviderType) (Rate, error)
}

// SyncFrom reads the current shared rate and applies it locally.
func (l *LocalLimiter) SyncFrom(ctx context.Context, src RateReader, provider types.ProviderType) (Rate, error) {
	r, err := src.CurrentRate(ctx, provider)
	if err != nil {
		return 0, err
	}
	l.Sync(provider, r)
	return r, nil
}

// Limit returns the local limit for a provider in events per second.
func (l *LocalLimiter) Limit(provider types.ProviderType) rate.Limit {
	return l.limiter(provider).Limit()
}

// Wait blocks until the local limiter admits one event or ctx ends.
func (l *LocalLimiter) Wait(ctx context.Context, provider types.ProviderType) error {
	return l.limiter(provider).Wait(ctx)
}
