// Package stripe implements billing.Provider for Stripe Billing.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/internal/ratelimit"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	defaultRateBurst   = 20
)

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	client  *Client
	webhook *WebhookHandler
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider. Plans map Stripe price
// ids; the API key is required because checkout linking and customer
// metadata lookups call the API from the webhook path.
func NewProvider(config billing.Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
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

	client := newClient(apiKey, config)
	return &Provider{
		client: client,
		webhook: &WebhookHandler{
			secret:     strings.TrimSpace(config.WebhookSecret),
			dispatcher: dispatcher,
			client:     client,
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

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.webhook
}

// Client returns the management API client.
func (p *Provider) Client() billing.Client {
	return p.client
}
