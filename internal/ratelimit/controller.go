package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commerce-harvester/internal/types"
)

// Hash fields of the per-provider state key.
const (
	fieldRate          = "rate"
	fieldDefault       = "default"
	fieldLimitedAt     = "limited_at"
	fieldCooldownUntil = "cooldown_until"
	fieldReductions    = "reductions"
)

// reduceScript performs read-halve-clamp-write in one step.
// ARGV: default, provided (-1 = none), minRate, fallback, nowMs, cooldownUntilMs
var reduceScript = redis.NewScript(`
	local key = KEYS[1]
	local default = tonumber(ARGV[1])
	local provided = tonumber(ARGV[2])
	local minRate = tonumber(ARGV[3])
	local fallback = tonumber(ARGV[4])

	local current = tonumber(redis.call('HGET', key, 'rate') or ARGV[1])
	if default > 0 and (current <= 0 or current > default) then
		current = default
	end

	local base = provided
	if base < 0 then
		base = current
		if base <= 0 then
			base = fallback
		end
	end

	local nextRate = math.floor(base / 2)
	if default > 0 and nextRate > default then
		nextRate = default
	end
	if nextRate < minRate then
		nextRate = minRate
	end

	redis.call('HSET', key, 'rate', nextRate, 'default', ARGV[1], 'limited_at', ARGV[5], 'cooldown_until', ARGV[6])
	redis.call('HINCRBY', key, 'reductions', 1)
	return {current, nextRate}
`)

// admitScript is a fixed-window check-and-increment against the current rate.
// ARGV: default, windowMs, ttlMs
var admitScript = redis.NewScript(`
	local stateKey = KEYS[1]
	local admitKey = KEYS[2]
	local default = tonumber(ARGV[1])
	local windowMs = tonumber(ARGV[2])
	local ttlMs = tonumber(ARGV[3])

	local rate = tonumber(redis.call('HGET', stateKey, 'rate') or ARGV[1])
	if default > 0 and (rate <= 0 or rate > default) then
		rate = default
	end
	if rate <= 0 then
		return {1, 0, 0}
	end

	local capacity = math.floor(rate * windowMs / 1000)
	if capacity < 1 then
		capacity = 1
	end

	local used = tonumber(redis.call('GET', admitKey) or '0')
	if used + 1 > capacity then
		return {0, used, capacity}
	end

	redis.call('INCR', admitKey)
	redis.call('PEXPIRE', admitKey, ttlMs)
	return {1, used + 1, capacity}
`)

// resetScript restores the default only if no reduction happened since the
// monitor observed the state.
// ARGV: default, expectedLimitedAt
var resetScript = redis.NewScript(`
	local key = KEYS[1]
	local limitedAt = redis.call('HGET', key, 'limited_at') or '0'
	if limitedAt ~= ARGV[2] then
		return 0
	end
	redis.call('HSET', key, 'rate', ARGV[1], 'default', ARGV[1], 'cooldown_until', 0)
	return 1
`)

// TaskInspector reports whether the task queue still holds scheduled,
// active or reserved work for a provider.
type TaskInspector interface {
	HasPendingTasks(ctx context.Context, provider types.ProviderType) (bool, error)
}

// State is a snapshot of one provider's shared rate limit state.
type State struct {
	Provider      types.ProviderType `json:"provider"`
	Rate          Rate               `json:"rate"`
	Default       Rate               `json:"default"`
	LastLimitedAt time.Time          `json:"lastLimitedAt,omitempty"`
	CooldownUntil time.Time          `json:"cooldownUntil,omitempty"`
	Reductions    int64              `json:"reductions"`
}

// InCooldown reports whether a rate-limit signal was seen within the cooldown.
func (s *State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// Reduction is the outcome of handling a rate-limit signal.
type Reduction struct {
	Previous Rate `json:"previous"`
	Current  Rate `json:"current"`
}

// Admission is the outcome of an admission check.
type Admission struct {
	// Allowed is true if the call fits in the current window.
	Allowed bool
	// Wait is the suggested delay before retrying when not allowed.
	Wait time.Duration
	// Used is the number of calls admitted in the current window.
	Used int
	// Capacity is the number of calls the window admits (0 when unlimited).
	Capacity int
}

// MonitorResult describes what a monitor pass decided for a provider.
type MonitorResult struct {
	Provider types.ProviderType `json:"provider"`
	Reset    bool               `json:"reset"`
	Reason   string             `json:"reason"`
	Rate     Rate               `json:"rate"`
}

// Controller coordinates per-provider call rates across all workers using Redis.
// Every read-modify-write runs as a Lua script, so concurrent workers never
// lose an update.
type Controller struct {
	redis      redis.Cmdable
	defaults   *DefaultRates
	minRate    Rate
	windowSize time.Duration
	cooldown   time.Duration
	keyPrefix  string
	metrics    *Metrics
	now        func() time.Time
}

// ControllerConfig holds configuration for the controller.
type ControllerConfig struct {
	// Redis is the Redis client for cross-worker coordination.
	// Required - the controller cannot function without Redis.
	Redis redis.Cmdable

	// Defaults supplies the static default rate of each provider.
	// If nil, one is built from Settings.
	Defaults *DefaultRates

	// Settings holds the numeric configuration. If nil, defaults are used.
	Settings *Config

	// Metrics, if set, receives admission and reduction events.
	Metrics *Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewController creates a new controller with the given configuration.
func NewController(cfg *ControllerConfig) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}

	settings := cfg.Settings
	if settings == nil {
		settings = NewConfig()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	defaults := cfg.Defaults
	if defaults == nil {
		defaults = NewDefaultRates(settings)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		redis:      cfg.Redis,
		defaults:   defaults,
		minRate:    settings.MinRate,
		windowSize: settings.WindowSize(),
		cooldown:   settings.Cooldown(),
		keyPrefix:  settings.KeyPrefix,
		metrics:    cfg.Metrics,
		now:        now,
	}, nil
}

func (c *Controller) stateKey(provider types.ProviderType) string {
	return c.keyPrefix + "rate:" + string(provider)
}

func (c *Controller) admitKey(provider types.ProviderType, windowTS int64) string {
	return c.keyPrefix + "admit:" + string(provider) + ":" + strconv.FormatInt(windowTS, 10)
}

// getWindowTimestamp returns the start of the current admission window in ms.
func (c *Controller) getWindowTimestamp() int64 {
	return c.now().Truncate(c.windowSize).UnixMilli()
}

// calculateWaitTime returns the time until the next window starts.
func (c *Controller) calculateWaitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(c.windowSize)
	wait := windowEnd.Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	// Small buffer to land inside the next window
	return wait + time.Millisecond
}

// DefaultRate returns the static default (ceiling) for a provider.
func (c *Controller) DefaultRate(provider types.ProviderType) Rate {
	return c.defaults.Get(provider)
}

// clamp bounds a rate by MinRate and the provider ceiling.
func (c *Controller) clamp(provider types.ProviderType, rate Rate) Rate {
	ceiling := c.DefaultRate(provider)
	if !ceiling.IsUnlimited() && (rate.IsUnlimited() || rate > ceiling) {
		return ceiling
	}
	if rate.IsUnlimited() {
		return Unlimited
	}
	if rate < c.minRate {
		return c.minRate
	}
	return rate
}

// CurrentRate returns the permitted rate for a provider. A provider never
// touched by a reduction reports its default.
func (c *Controller) CurrentRate(ctx context.Context, provider types.ProviderType) (Rate, error) {
	val, err := c.redis.HGet(ctx, c.stateKey(provider), fieldRate).Int()
	if errors.Is(err, redis.Nil) {
		return c.DefaultRate(provider), nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate for %s: %w", provider, err)
	}
	return c.clamp(provider, Rate(val)), nil
}

// SetRate stores a rate for a provider after clamping it into
// [MinRate, default]. It returns the rate actually stored.
func (c *Controller) SetRate(ctx context.Context, provider types.ProviderType, rate Rate) (Rate, error) {
	effective := c.clamp(provider, rate)
	err := c.redis.HSet(ctx, c.stateKey(provider),
		fieldRate, int(effective),
		fieldDefault, int(c.DefaultRate(provider)),
	).Err()
	if err != nil {
		return 0, fmt.Errorf("failed to set rate for %s: %w", provider, err)
	}
	return effective, nil
}

// ReduceRate handles a rate-limit signal. The new rate is half of
// providedLimit when upstream reported one, otherwise half of the current
// rate, never above the provider default and never below MinRate. The
// cooldown window restarts.
func (c *Controller) ReduceRate(ctx context.Context, provider types.ProviderType, providedLimit *int) (Reduction, error) {
	provided := -1
	if providedLimit != nil && *providedLimit >= 0 {
		provided = *providedLimit
	}

	now := c.now()
	res, err := reduceScript.Run(ctx, c.redis, []string{c.stateKey(provider)},
		int(c.DefaultRate(provider)),
		provided,
		int(c.minRate),
		int(c.defaults.Fallback()),
		now.UnixMilli(),
		now.Add(c.cooldown).UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Reduction{}, fmt.Errorf("failed to reduce rate for %s: %w", provider, err)
	}

	r := Reduction{Previous: Rate(res[0]), Current: Rate(res[1])}
	if c.metrics != nil {
		c.metrics.RecordReduction(provider)
	}
	return r, nil
}

// TryAcquire attempts to admit one call for a provider in the current window.
// On Redis error the call is denied, with the wait set to the next window.
func (c *Controller) TryAcquire(ctx context.Context, provider types.ProviderType) Admission {
	windowTS := c.getWindowTimestamp()
	ttl := 2 * c.windowSize

	res, err := admitScript.Run(ctx, c.redis,
		[]string{c.stateKey(provider), c.admitKey(provider, windowTS)},
		int(c.DefaultRate(provider)),
		c.windowSize.Milliseconds(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		adm := Admission{Allowed: false, Wait: c.calculateWaitTime(windowTS)}
		c.recordAdmission(ctx, provider, adm)
		return adm
	}

	adm := Admission{
		Allowed:  res[0] == 1,
		Used:     int(res[1]),
		Capacity: int(res[2]),
	}
	if !adm.Allowed {
		adm.Wait = c.calculateWaitTime(windowTS)
	}
	c.recordAdmission(ctx, provider, adm)
	return adm
}

func (c *Controller) recordAdmission(ctx context.Context, provider types.ProviderType, adm Admission) {
	if c.metrics == nil {
		return
	}
	if adm.Allowed {
		c.metrics.RecordAdmitted(provider)
		return
	}
	c.metrics.RecordThrottle(ctx, provider, adm.Wait)
}

// Wait blocks until a call for the provider is admitted or ctx ends.
// Adapters call it before every upstream request.
func (c *Controller) Wait(ctx context.Context, provider types.ProviderType) error {
	for {
		adm := c.TryAcquire(ctx, provider)
		if adm.Allowed {
			return nil
		}
		timer := time.NewTimer(adm.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// State returns the full state snapshot for a provider.
func (c *Controller) State(ctx context.Context, provider types.ProviderType) (*State, error) {
	vals, err := c.redis.HGetAll(ctx, c.stateKey(provider)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate state for %s: %w", provider, err)
	}

	st := &State{
		Provider: provider,
		Rate:     c.DefaultRate(provider),
		Default:  c.DefaultRate(provider),
	}
	if v, ok := vals[fieldRate]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			st.Rate = c.clamp(provider, Rate(n))
		}
	}
	if v, ok := vals[fieldLimitedAt]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			st.LastLimitedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := vals[fieldCooldownUntil]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			st.CooldownUntil = time.UnixMilli(ms)
		}
	}
	if v, ok := vals[fieldReductions]; ok {
		st.Reductions, _ = strconv.ParseInt(v, 10, 64)
	}
	return st, nil
}

// Reset unconditionally restores the provider default. Operator action.
func (c *Controller) Reset(ctx context.Context, provider types.ProviderType) error {
	def := int(c.DefaultRate(provider))
	err := c.redis.HSet(ctx, c.stateKey(provider),
		fieldRate, def,
		fieldDefault, def,
		fieldCooldownUntil, 0,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to reset rate for %s: %w", provider, err)
	}
	if c.metrics != nil {
		c.metrics.RecordReset(provider)
	}
	return nil
}

// ObservationWindow is how long a provider must go without a rate-limit
// signal before its rate is restored even while tasks are still queued.
func (c *Controller) ObservationWindow() time.Duration {
	return 2 * c.cooldown
}

// Cooldown returns the delay applied to rate-limited retries.
func (c *Controller) Cooldown() time.Duration {
	return c.cooldown
}

// MonitorAndMaybeReset restores a provider's default rate once the upstream
// window has cleared: the cooldown must have elapsed, and either the queue
// holds no scheduled, active or reserved task for the provider, or no
// rate-limit signal arrived during the observation window. The reset is a
// compare-and-set, so a reduction racing with the monitor wins.
func (c *Controller) MonitorAndMaybeReset(ctx context.Context, provider types.ProviderType, inspector TaskInspector) (MonitorResult, error) {
	result := MonitorResult{Provider: provider}

	st, err := c.State(ctx, provider)
	if err != nil {
		return result, err
	}
	result.Rate = st.Rate

	if st.Rate == st.Default {
		result.Reason = "at default"
		return result, nil
	}

	now := c.now()
	if st.InCooldown(now) {
		result.Reason = "cooldown active"
		return result, nil
	}

	quiet := st.LastLimitedAt.IsZero() || now.Sub(st.LastLimitedAt) >= c.ObservationWindow()
	if !quiet {
		if inspector == nil {
			return result, errors.New("task inspector is required")
		}
		pending, err := inspector.HasPendingTasks(ctx, provider)
		if err != nil {
			return result, fmt.Errorf("failed to inspect queue for %s: %w", provider, err)
		}
		if pending {
			result.Reason = "tasks pending"
			return result, nil
		}
	}

	expected := "0"
	if !st.LastLimitedAt.IsZero() {
		expected = strconv.FormatInt(st.LastLimitedAt.UnixMilli(), 10)
	}
	ok, err := resetScript.Run(ctx, c.redis, []string{c.stateKey(provider)},
		int(st.Default), expected,
	).Int()
	if err != nil {
		return result, fmt.Errorf("failed to reset rate for %s: %w", provider, err)
	}
	if ok != 1 {
		result.Reason = "reduced concurrently"
		return result, nil
	}

	if c.metrics != nil {
		c.metrics.RecordReset(provider)
	}
	result.Reset = true
	result.Rate = st.Default
	if quiet {
		result.Reason = "no rate limit within observation window"
	} else {
		result.Reason = "no pending tasks"
	}
	return result, nil
}
