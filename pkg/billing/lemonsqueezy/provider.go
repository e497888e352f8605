// Package lemonsqueezy implements billing.Provider for Lemon Squeezy:
// signed webhooks and the JSON:API subscription management endpoints.
package lemonsqueezy

import (
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/internal/ratelimit"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	providerName       = "lemonsqueezy"
	defaultHTTPTimeout = 10 * time.Second
	defaultRateBurst   = 20
)

// Provider implements the billing.Provider interface for Lemon Squeezy
type Provider struct {
	client  *Client
	webhook *WebhookHandler
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Lemon Squeezy billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}

	dispatcher, err := billing.NewDispatcher(providerName, config)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimit.Limiter
	if config.WebhookRateLimit > 0 {
		burst := config.WebhookRateBurst
		if burst <= 0 {
			burst = defaultRateBurst
		}
		limiter = ratelimit.New(config.WebhookRateLimit, burst)
	}

	return &Provider{
		client: NewClient(config),
		webhook: &WebhookHandler{
			secret:     []byte(strings.TrimSpace(config.WebhookSecret)),
			dispatcher: dispatcher,
			plans:      config.Plans,
			limiter:    limiter,
			metrics:    config.Metrics,
			logger:     config.Logger,
		},
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Lemon Squeezy webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.webhook
}

// Client returns the management API client.
func (p *Provider) Client() billing.Client {
	return p.client
}
