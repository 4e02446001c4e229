package unifiedllm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SDKError is the root of every error this package returns.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ProviderError is an error reported by a model endpoint.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	// RetryAfter is the server's requested wait; zero when absent.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Provider, e.Message, e.StatusCode)
}

type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
	ContentFilterError  struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }

	RequestTimeoutError struct{ SDKError }
	AbortError          struct{ SDKError }
	NetworkError        struct{ SDKError }
	ConfigurationError  struct{ SDKError }
)

// retryClassifier is implemented by every typed error of this package.
type retryClassifier interface {
	retryable() bool
}

func (e *ProviderError) retryable() bool     { return e.Retryable }
func (*AuthenticationError) retryable() bool { return false }
func (*AccessDeniedError) retryable() bool   { return false }
func (*NotFoundError) retryable() bool       { return false }
func (*InvalidRequestError) retryable() bool { return false }
func (*ContentFilterError) retryable() bool  { return false }
func (*ContextLengthError) retryable() bool  { return false }
func (*RateLimitError) retryable() bool      { return true }
func (*ServerError) retryable() bool         { return true }
func (*RequestTimeoutError) retryable() bool { return true }
func (*NetworkError) retryable() bool        { return true }
func (*AbortError) retryable() bool          { return false }
func (*ConfigurationError) retryable() bool  { return false }

// IsRetryable reports whether repeating the request may succeed. The
// outermost typed error in the chain decides; errors from outside this
// package are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var c retryClassifier
	if errors.As(err, &c) {
		return c.retryable()
	}
	return true
}

// ErrorFromStatusCode maps an HTTP status to the matching typed error.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter time.Duration) error {
	return newStatusError(statusCode, message, provider, retryAfter, nil)
}

func newStatusError(statusCode int, message, provider string, retryAfter time.Duration, cause error) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}
	switch {
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return &InvalidRequestError{pe}
	case statusCode == http.StatusUnauthorized:
		return &AuthenticationError{pe}
	case statusCode == http.StatusForbidden:
		return &AccessDeniedError{pe}
	case statusCode == http.StatusNotFound:
		return &NotFoundError{pe}
	case statusCode == http.StatusRequestTimeout:
		return &RequestTimeoutError{pe.SDKError}
	case statusCode == http.StatusRequestEntityTooLarge:
		return &ContextLengthError{pe}
	case statusCode == http.StatusTooManyRequests:
		pe.Retryable = true
		return &RateLimitError{pe}
	case statusCode >= 500:
		pe.Retryable = true
		return &ServerError{pe}
	default:
		pe.Retryable = true
		return &pe
	}
}
