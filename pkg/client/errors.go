package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrRequestBlocked is returned when the org API usage is critical.
	ErrRequestBlocked = errors.New("request blocked: api usage critical")
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// HTTPError is returned for every non-2xx response. Body holds the raw payload
// so callers can decode the platform's error list.
type HTTPError struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Class      ErrorClass
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("salesforce %s error (status %d): %s", e.Class, e.StatusCode, e.Status)
}

// classifyStatus maps a response status code to an ErrorClass.
// Returns an empty class for non-error statuses.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// retryClassFor narrows the class of a failed request to what may be repeated.
// POST creates bulk jobs and is not idempotent: only a 429 is repeated, since the
// platform refused that request before creating anything.
func retryClassFor(method string, class ErrorClass) ErrorClass {
	if method == http.MethodPost && class != ErrorClassRateLimit {
		return ""
	}
	return class
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors are deterministic, a retry only burns API allocation
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
