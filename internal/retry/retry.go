package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/commerce-harvester/internal/logging"
)

// Backoff computes the delay before retry number n of a harvest when
// upstream gave no hint. Pattern with the defaults: 30s, 60s, 120s ... max 1h.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff returns the production backoff for Retriable failures
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 30 * time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
}

// FixedBackoff always waits d
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{InitialDelay: d, MaxDelay: d, Multiplier: 1}
}

// Delay returns the delay for the given 1-based retry number
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return calculateDelay(b.InitialDelay, b.MaxDelay, b.Multiplier, retry)
}

// calculateDelay returns initial * multiplier^(attempt-1), capped at max
func calculateDelay(initial, max time.Duration, multiplier float64, attempt int) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// Config configures in-process retries of infrastructure calls
// (queue publish, status writes), not harvest retries.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig returns a short retry configuration.
// Pattern: 100ms, 200ms, 400ms, max 2s
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// Func is a function that can be retried
type Func func(ctx context.Context, attempt int) error

// WithExponentialBackoff runs fn until it succeeds, attempts run out or ctx ends
func WithExponentialBackoff(ctx context.Context, cfg *Config, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := logging.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(cfg.InitialDelay, cfg.MaxDelay, cfg.Multiplier, attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": cfg.MaxAttempts,
			"delay":       delay.String(),
		}).WithError(err).Warn("Operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
