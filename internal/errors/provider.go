package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ProviderErrorKind tells the classifier which structural path produced the error
type ProviderErrorKind string

const (
	// KindHTTP is a non-2xx upstream response
	KindHTTP ProviderErrorKind = "http"
	// KindNetwork is a transport failure before a response was read
	KindNetwork ProviderErrorKind = "network"
	// KindDecode is a response body that could not be parsed
	KindDecode ProviderErrorKind = "decode"
	// KindAuth is a missing or rejected credential detected client side
	KindAuth ProviderErrorKind = "auth"
)

// ProviderError is a raw upstream failure as reported by a provider adapter.
// It carries the structure the error classifier inspects.
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	StatusCode int
	Header     http.Header
	Code       string
	Message    string
	Cause      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s provider error", e.Provider)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewHTTPError creates an error from a non-2xx response and its (possibly truncated) body
func NewHTTPError(provider string, resp *http.Response, body []byte) *ProviderError {
	e := &ProviderError{
		Provider:   provider,
		Kind:       KindHTTP,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Message:    string(body),
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

// NewNetworkError wraps a transport failure
func NewNetworkError(provider string, cause error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     KindNetwork,
		Message:  "request failed",
		Cause:    cause,
	}
}

// NewDecodeError wraps a response parsing failure
func NewDecodeError(provider string, cause error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     KindDecode,
		Message:  "malformed response",
		Cause:    cause,
	}
}

// NewAuthError reports a credential problem detected before calling upstream
func NewAuthError(provider string, message string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     KindAuth,
		Message:  message,
	}
}

// AsProviderError extracts a *ProviderError from an error chain
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
