package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commerce-harvester/internal/types"
)

// Redis key segments for metrics tracking.
const (
	keyThrottleCount = "throttle:count:"
	keyThrottleWait  = "throttle:waittime:"
	metricsBucketTTL = 5 * time.Minute
)

// providerCounters holds in-process counters for one provider
type providerCounters struct {
	admitted   int64
	throttled  int64
	waitNs     int64
	reductions int64
	resets     int64
}

// ProviderMetrics is a snapshot of rate limit activity for one provider.
type ProviderMetrics struct {
	Provider   types.ProviderType `json:"provider"`
	Rate       Rate               `json:"rate"`
	Default    Rate               `json:"default"`
	Admitted   int64              `json:"admitted"`
	Throttled  int64              `json:"throttled"`
	WaitTotal  time.Duration      `json:"wait_total"`
	Reductions int64              `json:"reductions"`
	Resets     int64              `json:"resets"`

	// Cross-process throttle count for the current minute
	ThrottledThisMinute int64 `json:"throttled_this_minute"`
}

// Metrics collects rate limiter activity. Local counters are per process;
// throttle counts are also written to Redis minute buckets so operators can
// see fleet-wide pressure.
type Metrics struct {
	redis     redis.Cmdable
	keyPrefix string

	mu       sync.RWMutex
	counters map[types.ProviderType]*providerCounters
}

// NewMetrics creates a metrics collector. redis may be nil, in which case only
// local counters are kept.
func NewMetrics(client redis.Cmdable, keyPrefix string) *Metrics {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Metrics{
		redis:     client,
		keyPrefix: keyPrefix,
		counters:  make(map[types.ProviderType]*providerCounters),
	}
}

func (m *Metrics) get(provider types.ProviderType) *providerCounters {
	m.mu.RLock()
	c, ok := m.counters[provider]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[provider]; !ok {
		c = &providerCounters{}
		m.counters[provider] = c
	}
	return c
}

func (m *Metrics) minuteKeys(provider types.ProviderType, at time.Time) (string, string) {
	minuteTS := at.Truncate(time.Minute).Unix()
	return fmt.Sprintf("%s%s%s:%d", m.keyPrefix, keyThrottleCount, provider, minuteTS),
		fmt.Sprintf("%s%s%s:%d", m.keyPrefix, keyThrottleWait, provider, minuteTS)
}

// RecordAdmitted counts an admitted upstream call.
func (m *Metrics) RecordAdmitted(provider types.ProviderType) {
	atomic.AddInt64(&m.get(provider).admitted, 1)
}

// RecordThrottle records a denied admission with the suggested wait.
func (m *Metrics) RecordThrottle(ctx context.Context, provider types.ProviderType, wait time.Duration) {
	c := m.get(provider)
	atomic.AddInt64(&c.throttled, 1)
	atomic.AddInt64(&c.waitNs, int64(wait))

	if m.redis == nil {
		return
	}
	countKey, waitKey := m.minuteKeys(provider, time.Now())
	pipe := m.redis.Pipeline()
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, metricsBucketTTL)
	pipe.IncrBy(ctx, waitKey, int64(wait))
	pipe.Expire(ctx, waitKey, metricsBucketTTL)
	_, _ = pipe.Exec(ctx) // best-effort
}

// RecordReduction counts a rate reduction.
func (m *Metrics) RecordReduction(provider types.ProviderType) {
	atomic.AddInt64(&m.get(provider).reductions, 1)
}

// RecordReset counts a restoration of the default rate.
func (m *Metrics) RecordReset(provider types.ProviderType) {
	atomic.AddInt64(&m.get(provider).resets, 1)
}

// Snapshot returns the local counters for one provider, enriched with the
// current minute's cross-process throttle count when Redis is available.
func (m *Metrics) Snapshot(ctx context.Context, provider types.ProviderType) ProviderMetrics {
	c := m.get(provider)
	pm := ProviderMetrics{
		Provider:   provider,
		Admitted:   atomic.LoadInt64(&c.admitted),
		Throttled:  atomic.LoadInt64(&c.throttled),
		WaitTotal:  time.Duration(atomic.LoadInt64(&c.waitNs)),
		Reductions: atomic.LoadInt64(&c.reductions),
		Resets:     atomic.LoadInt64(&c.resets),
	}
	if m.redis != nil {
		countKey, _ := m.minuteKeys(provider, time.Now())
		if n, err := m.redis.Get(ctx, countKey).Int64(); err == nil {
			pm.ThrottledThisMinute = n
		}
	}
	return pm
}

// Providers returns every provider with recorded activity, sorted.
func (m *Metrics) Providers() []types.ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ProviderType, 0, len(m.counters))
	for p := range m.counters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResetLocalCounters clears all in-process counters.
func (m *Metrics) ResetLocalCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[types.ProviderType]*providerCounters)
}

func (p ProviderMetrics) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: rate=%s default=%s", p.Provider, p.Rate, p.Default)
	fmt.Fprintf(&sb, " admitted=%d throttled=%d wait=%v", p.Admitted, p.Throttled, p.WaitTotal)
	fmt.Fprintf(&sb, " reductions=%d resets=%d", p.Reductions, p.Resets)
	return sb.String()
}

// SummaryLogger is satisfied by *slog.Logger.
type SummaryLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// DefaultMetricsLogInterval is the default interval for logging metrics.
const DefaultMetricsLogInterval = 30 * time.Second

// MetricsLogger periodically logs a per-provider activity summary.
type MetricsLogger struct {
	metrics    *Metrics
	controller *Controller
	interval   time.Duration
	logger     SummaryLogger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// MetricsLoggerConfig holds configuration for the metrics logger.
type MetricsLoggerConfig struct {
	// Metrics is the collector to read. Required.
	Metrics *Metrics

	// Controller, if set, adds the current rate to each summary.
	Controller *Controller

	// Interval is how often to log. Default: 30s.
	Interval time.Duration

	// Logger is the logger to use. Required.
	Logger SummaryLogger
}

// NewMetricsLogger creates a new metrics logger.
func NewMetricsLogger(cfg *MetricsLoggerConfig) (*MetricsLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Metrics == nil {
		return nil, fmt.Errorf("metrics collector is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultMetricsLogInterval
	}

	return &MetricsLogger{
		metrics:    cfg.Metrics,
		controller: cfg.Controller,
		interval:   interval,
		logger:     cfg.Logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start begins periodic logging until Stop is called or ctx ends.
func (l *MetricsLogger) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop stops the periodic logging and waits for the loop to exit.
func (l *MetricsLogger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *MetricsLogger) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.LogNow(ctx)
		}
	}
}

// LogNow logs the current summary immediately.
func (l *MetricsLogger) LogNow(ctx context.Context) {
	for _, provider := range l.metrics.Providers() {
		pm := l.metrics.Snapshot(ctx, provider)
		if l.controller != nil {
			pm.Default = l.controller.DefaultRate(provider)
			rate, err := l.controller.CurrentRate(ctx, provider)
			if err != nil {
				l.logger.Warn("failed to read provider rate", "provider", provider, "error", err.Error())
			} else {
				pm.Rate = rate
			}
		}

		l.logger.Info("rate limit summary",
			"provider", provider,
			"rate", pm.Rate.String(),
			"default", pm.Default.String(),
			"admitted", pm.Admitted,
			"throttled", pm.Throttled,
			"throttled_this_minute", pm.ThrottledThisMinute,
			"total_wait_time", pm.WaitTotal.String(),
			"reductions", pm.Reductions,
			"resets", pm.Resets,
		)
		if l.controller != nil && pm.Rate != pm.Default {
			l.logger.Warn("provider running below default rate",
				"provider", provider,
				"rate", pm.Rate.String(),
				"default", pm.Default.String(),
			)
		}
	}
}
