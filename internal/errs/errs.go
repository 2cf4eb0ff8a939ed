// Package errs defines the proxy's error taxonomy and its mapping onto
// HTTP status codes. Every failure that can surface to a client or be
// retried against an upstream is one of these types.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestInvalidError reports a client request that failed validation.
type RequestInvalidError struct {
	Reason string
}

func (e *RequestInvalidError) Error() string {
	return "invalid request: " + e.Reason
}

// NoProviderAvailableError reports that routing found no enabled provider.
type NoProviderAvailableError struct {
	Detail string
}

func (e *NoProviderAvailableError) Error() string {
	if e.Detail == "" {
		return "no provider available"
	}
	return "no provider available: " + e.Detail
}

// TransformerError reports an adapter that could not represent a request
// or parse a response. Adapter names the failing transformer.
type TransformerError struct {
	Adapter string
	Reason  string
}

func (e *TransformerError) Error() string {
	return fmt.Sprintf("transformer %s: %s", e.Adapter, e.Reason)
}

// UpstreamError reports a non-2xx response from a provider. Body is
// truncated to maxErrorBody bytes at construction.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

const maxErrorBody = 200

// NewUpstreamError builds an UpstreamError with the body truncated for
// log hygiene.
func NewUpstreamError(status int, body []byte) *UpstreamError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &UpstreamError{StatusCode: status, Body: body}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// UpstreamInvalidBodyError reports an upstream 2xx whose body could not
// be parsed.
type UpstreamInvalidBodyError struct {
	Cause error
}

func (e *UpstreamInvalidBodyError) Error() string {
	return "upstream returned unparseable body: " + e.Cause.Error()
}

func (e *UpstreamInvalidBodyError) Unwrap() error { return e.Cause }

// UpstreamTimeoutError reports an upstream round trip that exceeded its
// deadline.
type UpstreamTimeoutError struct {
	Provider string
}

func (e *UpstreamTimeoutError) Error() string {
	return "upstream timeout: " + e.Provider
}

// CircuitOpenError reports a request rejected because the provider's
// circuit breaker is open.
type CircuitOpenError struct {
	Provider string
}

func (e *CircuitOpenError) Error() string {
	return "circuit open for provider " + e.Provider
}

// CredentialMissingError reports a provider whose credential could not be
// resolved. The message carries the operator instruction.
type CredentialMissingError struct {
	Provider    string
	Instruction string
}

func (e *CredentialMissingError) Error() string {
	msg := "missing credential for provider " + e.Provider
	if e.Instruction != "" {
		msg += ": " + e.Instruction
	}
	return msg
}

// ConfigInvalidError reports a config document that failed validation.
// Never surfaced to a live request; the previous snapshot stays in force.
type ConfigInvalidError struct {
	Field   string
	Message string
}

func (e *ConfigInvalidError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// HTTPStatus maps an error to the status code surfaced to the client.
// Upstream 4xx pass through verbatim; upstream 5xx collapse to 502.
func HTTPStatus(err error) int {
	var (
		reqErr     *RequestInvalidError
		noProvider *NoProviderAvailableError
		tfErr      *TransformerError
		upErr      *UpstreamError
		bodyErr    *UpstreamInvalidBodyError
		toErr      *UpstreamTimeoutError
		cbErr      *CircuitOpenError
		credErr    *CredentialMissingError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.As(err, &noProvider):
		return http.StatusInternalServerError
	case errors.As(err, &tfErr):
		return http.StatusInternalServerError
	case errors.As(err, &upErr):
		if upErr.StatusCode >= 500 {
			return http.StatusBadGateway
		}
		return upErr.StatusCode
	case errors.As(err, &bodyErr):
		return http.StatusBadGateway
	case errors.As(err, &toErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &cbErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &credErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// APIErrorType returns the canonical error type string for the response
// body, matching the Anthropic error envelope.
func APIErrorType(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "invalid_request_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// IsRetryable reports whether the error may be retried against an
// idempotent upstream: network errors, 408, 429 and 5xx.
func IsRetryable(err error) bool {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		switch upErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		default:
			return upErr.StatusCode >= 500
		}
	}
	var toErr *UpstreamTimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var cbErr *CircuitOpenError
	if errors.As(err, &cbErr) {
		return false
	}
	var bodyErr *UpstreamInvalidBodyError
	if errors.As(err, &bodyErr) {
		return false
	}
	// Bare transport errors (connection refused, reset) are retryable.
	var reqErr *RequestInvalidError
	var tfErr *TransformerError
	var noProvider *NoProviderAvailableError
	var credErr *CredentialMissingError
	if errors.As(err, &reqErr) || errors.As(err, &tfErr) ||
		errors.As(err, &noProvider) || errors.As(err, &credErr) {
		return false
	}
	return true
}
