// Package gwerrors defines the error taxonomy shared by the gateway packages.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrModelNotFound       = errors.New("model not found")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSubscriptionExpired = errors.New("subscription expired")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrInvalidRequest      = errors.New("invalid request")
)

// UpstreamError is a failure reported by a provider
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s upstream error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s upstream error: %s", e.Provider, e.Message)
}

// HTTPStatus maps an error to the status code returned to clients
func HTTPStatus(err error) int {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrSubscriptionExpired):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrAllProvidersFailed), errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorType is the short machine-readable kind used in error bodies
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrSubscriptionExpired):
		return "subscription_expired"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request_error"
	case errors.Is(err, ErrAllProvidersFailed):
		return "all_providers_failed"
	default:
		return "gateway_error"
	}
}
