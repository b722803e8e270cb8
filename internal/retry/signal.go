// Package retry classifies upstream failures into retry signals and computes backoff.
package retry

import "fmt"

// Kind discriminates a Signal
type Kind string

const (
	// KindFatal means no retry: the account goes straight to failed
	KindFatal Kind = "fatal"
	// KindRateLimited means upstream pushed back: the shared rate is reduced before retrying
	KindRateLimited Kind = "rate_limited"
	// KindRetriable means a transient failure retried with a hinted or default delay
	KindRetriable Kind = "retriable"
)

// Signal is the tagged result of classifying a failed harvest
type Signal struct {
	Kind Kind
	// ProvidedLimit is the upstream-reported allowed rate per second (RateLimited only)
	ProvidedLimit *int
	// RetryAfterSeconds is the upstream retry hint (Retriable only)
	RetryAfterSeconds *int
	// Reason is a short human-readable description of the failure
	Reason string
}

// Fatal builds a non-retryable signal
func Fatal(reason string) Signal {
	return Signal{Kind: KindFatal, Reason: reason}
}

// RateLimited builds a rate-limit signal; providedLimit may be nil
func RateLimited(providedLimit *int, reason string) Signal {
	return Signal{Kind: KindRateLimited, ProvidedLimit: providedLimit, Reason: reason}
}

// Retriable builds a transient-failure signal; retryAfterSeconds may be nil
func Retriable(retryAfterSeconds *int, reason string) Signal {
	return Signal{Kind: KindRetriable, RetryAfterSeconds: retryAfterSeconds, Reason: reason}
}

// IsRetryable reports whether the signal permits another attempt
func (s Signal) IsRetryable() bool {
	return s.Kind == KindRateLimited || s.Kind == KindRetriable
}

func (s Signal) String() string {
	switch s.Kind {
	case KindRateLimited:
		if s.ProvidedLimit != nil {
			return fmt.Sprintf("RateLimited{providedLimit=%d}", *s.ProvidedLimit)
		}
		return "RateLimited{providedLimit=none}"
	case KindRetriable:
		if s.RetryAfterSeconds != nil {
			return fmt.Sprintf("Retriable{retryAfter=%ds}", *s.RetryAfterSeconds)
		}
		return "Retriable{retryAfter=none}"
	default:
		return "Fatal"
	}
}

// Describe returns the ErrorLog classification text for a terminal failure.
// exhausted is true when a retryable signal ran out of retries.
func Describe(s Signal, exhausted bool) string {
	reason := s.Reason
	if reason == "" {
		reason = "unknown error"
	}
	if exhausted {
		switch s.Kind {
		case KindRateLimited:
			return fmt.Sprintf("Retries exhausted: rate limited by provider (%s)", reason)
		case KindRetriable:
			return fmt.Sprintf("Retries exhausted: transient upstream failure (%s)", reason)
		}
	}
	return fmt.Sprintf("Fatal: %s", reason)
}

// IntPtr is a helper for building optional signal fields
func IntPtr(v int) *int {
	return &v
}
