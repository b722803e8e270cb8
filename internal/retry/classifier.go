package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	harvesterrors "github.com/commerce-harvester/internal/errors"
)

// Classifier maps a raw harvest failure to a retry signal
type Classifier interface {
	Classify(err error) Signal
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(err error) Signal

// Classify implements Classifier
func (f ClassifierFunc) Classify(err error) Signal {
	return f(err)
}

// Headers inspected for an upstream-reported allowed rate, in order.
// Each entry pairs a limit header with the header naming its window in seconds.
var providedLimitHeaders = []struct {
	limit  string
	window string
}{
	{limit: "X-Limit-Per-Second"},
	{limit: "X-RateLimit-Limit", window: "X-RateLimit-Window"},
	{limit: "RateLimit-Limit", window: "RateLimit-Window"},
}

// fallbackPatterns are matched against the lower-cased error text when structured
// information is unavailable.
var fallbackPatterns = []struct {
	pattern string
	kind    Kind
}{
	{"rate limit", KindRateLimited},
	{"too many requests", KindRateLimited},
	{"throttl", KindRateLimited},
	{"timeout", KindRetriable},
	{"timed out", KindRetriable},
	{"temporarily unavailable", KindRetriable},
	{"connection reset", KindRetriable},
}

// retryAfterError is implemented by client-side errors that know when the call
// may be attempted again, such as an open circuit breaker.
type retryAfterError interface {
	error
	RetryAfter() time.Duration
}

// HTTPClassifier classifies *errors.ProviderError values by status code and
// headers, and transport errors by type.
type HTTPClassifier struct {
	// MessageFallback enables string matching on the error text for
	// providers whose client library does not expose structured errors.
	MessageFallback bool
	// Now is used to resolve HTTP-date Retry-After values
	Now func() time.Time
}

// NewHTTPClassifier creates a classifier with structural classification only
func NewHTTPClassifier() *HTTPClassifier {
	return &HTTPClassifier{Now: time.Now}
}

// Classify implements Classifier
func (c *HTTPClassifier) Classify(err error) Signal {
	if err == nil {
		return Fatal("no error")
	}

	if pe, ok := harvesterrors.AsProviderError(err); ok {
		switch pe.Kind {
		case harvesterrors.KindHTTP:
			return c.classifyHTTP(pe)
		case harvesterrors.KindNetwork:
			if sig, ok := classifyTransport(pe.Cause); ok {
				return sig
			}
			return Retriable(nil, "network error")
		case harvesterrors.KindDecode:
			return Fatal("malformed upstream response")
		case harvesterrors.KindAuth:
			return Fatal(fmt.Sprintf("authorization problem: %s", pe.Message))
		}
	}

	var ra retryAfterError
	if stderrors.As(err, &ra) {
		seconds := int(math.Ceil(ra.RetryAfter().Seconds()))
		return Retriable(&seconds, err.Error())
	}

	if sig, ok := classifyTransport(err); ok {
		return sig
	}

	if c.MessageFallback {
		if sig, ok := classifyMessage(err); ok {
			return sig
		}
	}

	return Fatal(err.Error())
}

func (c *HTTPClassifier) classifyHTTP(pe *harvesterrors.ProviderError) Signal {
	reason := fmt.Sprintf("HTTP %d %s", pe.StatusCode, http.StatusText(pe.StatusCode))
	code := pe.StatusCode

	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited(ProvidedLimit(pe.Header), reason)
	case code == http.StatusForbidden && pe.Header.Get("X-RateLimit-Remaining") == "0":
		return RateLimited(ProvidedLimit(pe.Header), reason)
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code >= 500:
		return Retriable(c.retryAfter(pe.Header), reason)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return Fatal(fmt.Sprintf("upstream rejected credentials (%s)", reason))
	default:
		return Fatal(fmt.Sprintf("upstream rejected request (%s)", reason))
	}
}

func (c *HTTPClassifier) retryAfter(h http.Header) *int {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if seconds, ok := ParseRetryAfter(h.Get("Retry-After"), now()); ok {
		return &seconds
	}
	return nil
}

// classifyTransport recognizes errors raised below HTTP
func classifyTransport(err error) (Signal, bool) {
	if err == nil {
		return Signal{}, false
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return Retriable(nil, "request deadline exceeded"), true
	case stderrors.Is(err, context.Canceled):
		return Retriable(nil, "request cancelled"), true
	case stderrors.Is(err, io.ErrUnexpectedEOF):
		return Retriable(nil, "connection closed mid-response"), true
	case stderrors.Is(err, syscall.ECONNRESET), stderrors.Is(err, syscall.ECONNREFUSED):
		return Retriable(nil, "connection failure"), true
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return Retriable(nil, "network timeout"), true
	}
	return Signal{}, false
}

// classifyMessage is the last-resort string match on the error text
func classifyMessage(err error) (Signal, bool) {
	msg := strings.ToLower(err.Error())
	for _, p := range fallbackPatterns {
		if strings.Contains(msg, p.pattern) {
			if p.kind == KindRateLimited {
				return RateLimited(nil, err.Error()), true
			}
			return Retriable(nil, err.Error()), true
		}
	}
	return Signal{}, false
}

// ProvidedLimit extracts the upstream-reported allowed rate per second from
// response headers, or nil when none is present.
func ProvidedLimit(h http.Header) *int {
	if h == nil {
		return nil
	}
	for _, hdr := range providedLimitHeaders {
		raw := strings.TrimSpace(h.Get(hdr.limit))
		if raw == "" {
			continue
		}
		// "100, 100;w=60" style values: first element carries the limit
		if idx := strings.IndexAny(raw, ",;"); idx >= 0 {
			raw = strings.TrimSpace(raw[:idx])
		}
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			continue
		}
		window := 1
		if hdr.window != "" {
			if w, err := strconv.Atoi(strings.TrimSpace(h.Get(hdr.window))); err == nil && w > 0 {
				window = w
			}
		}
		perSecond := limit / window
		if perSecond < 1 {
			perSecond = 1
		}
		return &perSecond
	}
	return nil
}

// MaxRetryAfterSeconds caps an upstream Retry-After hint (7 days)
const MaxRetryAfterSeconds = 7 * 24 * 60 * 60

// ParseRetryAfter parses a Retry-After value given as delta seconds or an
// HTTP date. A date in the past yields zero; values above
// MaxRetryAfterSeconds are clamped to it.
func ParseRetryAfter(value string, now time.Time) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return min(seconds, MaxRetryAfterSeconds), true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d <= 0 {
			return 0, true
		}
		return int(math.Min(math.Ceil(d.Seconds()), MaxRetryAfterSeconds)), true
	}
	return 0, false
}
