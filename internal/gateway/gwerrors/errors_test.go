package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("resolve m: %w", ErrModelNotFound), http.StatusNotFound},
		{ErrProviderUnavailable, http.StatusServiceUnavailable},
		{ErrRateLimitExceeded, http.StatusTooManyRequests},
		{ErrInsufficientCredits, http.StatusPaymentRequired},
		{ErrSubscriptionExpired, http.StatusForbidden},
		{fmt.Errorf("%w: last: boom", ErrAllProvidersFailed), http.StatusBadGateway},
		{&UpstreamError{Provider: "openai", StatusCode: 500}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestUpstreamErrorMessage(t *testing.T) {
	err := &UpstreamError{Provider: "anthropic", StatusCode: 529, Message: "overloaded"}
	assert.Equal(t, "anthropic upstream error (status 529): overloaded", err.Error())

	err = &UpstreamError{Provider: "openai", Message: "connection reset"}
	assert.Equal(t, "openai upstream error: connection reset", err.Error())
}
