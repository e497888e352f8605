package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrMissingEventName is returned when a webhook payload carries no event name
	ErrMissingEventName = errors.New("missing event name")

	// ErrUnmappedVariant is returned when a variant id matches no configured plan
	ErrUnmappedVariant = errors.New("variant not configured in plan mapping")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrProviderUnavailable is returned while the provider circuit breaker is open
	ErrProviderUnavailable = errors.New("billing provider temporarily unavailable")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)

// APIError is a non-success response from the provider's management API.
// Detail is safe to relay to end users; Body is kept for operators only.
type APIError struct {
	Provider   string
	StatusCode int
	Detail     string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s API returned status %d", e.Provider, e.StatusCode)
}

// Unwrap lets callers match ErrProviderAPIError with errors.Is.
func (e *APIError) Unwrap() error {
	return ErrProviderAPIError
}
