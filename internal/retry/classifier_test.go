package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	harvesterrors "github.com/commerce-harvester/internal/errors"
)

func httpError(status int, headers map[string]string) error {
	resp := &http.Response{StatusCode: status, Header: http.Header{}}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return harvesterrors.NewHTTPError("test", resp, nil)
}

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestHTTPClassifier_Classify(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &HTTPClassifier{Now: func() time.Time { return now }}

	tests := []struct {
		name           string
		err            error
		wantKind       Kind
		wantLimit      *int
		wantRetryAfter *int
	}{
		{
			name:     "429 without headers",
			err:      httpError(http.StatusTooManyRequests, nil),
			wantKind: KindRateLimited,
		},
		{
			name:      "429 with per-second limit",
			err:       httpError(http.StatusTooManyRequests, map[string]string{"X-Limit-Per-Second": "10"}),
			wantKind:  KindRateLimited,
			wantLimit: IntPtr(10),
		},
		{
			name:      "429 with windowed limit",
			err:       httpError(http.StatusTooManyRequests, map[string]string{"X-RateLimit-Limit": "120", "X-RateLimit-Window": "60"}),
			wantKind:  KindRateLimited,
			wantLimit: IntPtr(2),
		},
		{
			name:     "403 with exhausted quota",
			err:      httpError(http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}),
			wantKind: KindRateLimited,
		},
		{
			name:           "503 with retry-after seconds",
			err:            httpError(http.StatusServiceUnavailable, map[string]string{"Retry-After": "30"}),
			wantKind:       KindRetriable,
			wantRetryAfter: IntPtr(30),
		},
		{
			name:           "502 with retry-after date",
			err:            httpError(http.StatusBadGateway, map[string]string{"Retry-After": now.Add(90 * time.Second).Format(http.TimeFormat)}),
			wantKind:       KindRetriable,
			wantRetryAfter: IntPtr(90),
		},
		{
			name:     "500 without hint",
			err:      httpError(http.StatusInternalServerError, nil),
			wantKind: KindRetriable,
		},
		{
			name:     "408 timeout",
			err:      httpError(http.StatusRequestTimeout, nil),
			wantKind: KindRetriable,
		},
		{
			name:     "401 unauthorized",
			err:      httpError(http.StatusUnauthorized, nil),
			wantKind: KindFatal,
		},
		{
			name:     "404 not found",
			err:      httpError(http.StatusNotFound, nil),
			wantKind: KindFatal,
		},
		{
			name:     "network error",
			err:      harvesterrors.NewNetworkError("test", errors.New("dial tcp: no route to host")),
			wantKind: KindRetriable,
		},
		{
			name:     "decode error",
			err:      harvesterrors.NewDecodeError("test", errors.New("unexpected token")),
			wantKind: KindFatal,
		},
		{
			name:     "auth error",
			err:      harvesterrors.NewAuthError("test", "missing access token"),
			wantKind: KindFatal,
		},
		{
			name:     "deadline exceeded",
			err:      fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			wantKind: KindRetriable,
		},
		{
			name:     "net timeout",
			err:      &net.OpError{Op: "read", Err: timeoutError{}},
			wantKind: KindRetriable,
		},
		{
			name:     "unstructured rate limit text is fatal without fallback",
			err:      errors.New("Rate limit exceeded, slow down"),
			wantKind: KindFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := c.Classify(tt.err)
			assert.Equal(t, tt.wantKind, sig.Kind)
			assert.Equal(t, tt.wantLimit, sig.ProvidedLimit)
			assert.Equal(t, tt.wantRetryAfter, sig.RetryAfterSeconds)
			assert.NotEmpty(t, sig.Reason)
		})
	}
}

func TestHTTPClassifier_MessageFallback(t *testing.T) {
	c := &HTTPClassifier{MessageFallback: true}

	assert.Equal(t, KindRateLimited, c.Classify(errors.New("Rate limit exceeded, slow down")).Kind)
	assert.Equal(t, KindRateLimited, c.Classify(errors.New("429 Too Many Requests")).Kind)
	assert.Equal(t, KindRetriable, c.Classify(errors.New("gateway timed out")).Kind)
	assert.Equal(t, KindFatal, c.Classify(errors.New("invalid shop domain")).Kind)

	// structured errors take precedence over the text
	structured := httpError(http.StatusUnauthorized, nil)
	assert.Equal(t, KindFatal, c.Classify(structured).Kind)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	seconds, ok := ParseRetryAfter("120", now)
	require.True(t, ok)
	assert.Equal(t, 120, seconds)

	seconds, ok = ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, 0, seconds)

	_, ok = ParseRetryAfter("", now)
	assert.False(t, ok)

	_, ok = ParseRetryAfter("soon", now)
	assert.False(t, ok)

	_, ok = ParseRetryAfter("-5", now)
	assert.False(t, ok)

	seconds, ok = ParseRetryAfter("9300000000", now)
	require.True(t, ok)
	assert.Equal(t, MaxRetryAfterSeconds, seconds)
	assert.Positive(t, time.Duration(seconds)*time.Second)

	seconds, ok = ParseRetryAfter(now.AddDate(5, 0, 0).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, MaxRetryAfterSeconds, seconds)
}

func TestProvidedLimit(t *testing.T) {
	h := http.Header{}
	assert.Nil(t, ProvidedLimit(h))

	h.Set("RateLimit-Limit", "100, 100;w=60")
	require.NotNil(t, ProvidedLimit(h))
	assert.Equal(t, 100, *ProvidedLimit(h))

	h.Set("RateLimit-Window", "60")
	assert.Equal(t, 1, *ProvidedLimit(h), "per-second rate never drops below one")

	assert.Nil(t, ProvidedLimit(nil))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Fatal: upstream rejected credentials (HTTP 401 Unauthorized)",
		Describe(Fatal("upstream rejected credentials (HTTP 401 Unauthorized)"), false))
	assert.Equal(t, "Retries exhausted: rate limited by provider (HTTP 429 Too Many Requests)",
		Describe(RateLimited(nil, "HTTP 429 Too Many Requests"), true))
	assert.Equal(t, "Retries exhausted: transient upstream failure (network error)",
		Describe(Retriable(nil, "network error"), true))
	assert.Equal(t, "Fatal: unknown error", Describe(Signal{Kind: KindFatal}, false))
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "RateLimited{providedLimit=5}", RateLimited(IntPtr(5), "").String())
	assert.Equal(t, "Retriable{retryAfter=none}", Retriable(nil, "").String())
	assert.Equal(t, "Fatal", Fatal("x").String())
	assert.True(t, RateLimited(nil, "").IsRetryable())
	assert.False(t, Fatal("x").IsRetryable())
}
