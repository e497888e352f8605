package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the subscription Manager that webhooks write through
	Manager *subscription.Manager

	// Plans maps provider variant ids onto plans.
	Plans PlanMapping

	// WebhookSecret is the shared secret used to verify webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// BaseURL overrides the provider API endpoint (tests, proxies).
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is an optional structured logger. Defaults to a no-op logger.
	Logger subscription.Logger

	// WebhookCallback is invoked after an event has been applied. Errors are
	// logged and never change the webhook response.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// WebhookRateLimit is the sustained requests per second allowed per
	// client IP on the webhook endpoint. Zero disables limiting.
	WebhookRateLimit float64

	// WebhookRateBurst is the burst size for WebhookRateLimit. Defaults to 20.
	WebhookRateBurst int
}
