package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Client is the Stripe subscription management API.
type Client struct {
	sc      *stripe.Client
	metrics billing.Metrics
	logger  subscription.Logger
}

var _ billing.Client = (*Client)(nil)

func newClient(apiKey string, config billing.Config) *Client {
	var opts []stripe.ClientOption
	if config.BaseURL != "" || config.HTTPClient != nil {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		backendConfig := &stripe.BackendConfig{HTTPClient: httpClient}
		if config.BaseURL != "" {
			backendConfig.URL = stripe.String(config.BaseURL)
		}
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))
	}

	return &Client{
		sc:      stripe.NewClient(apiKey, opts...),
		metrics: config.Metrics,
		logger:  config.Logger,
	}
}

func (c *Client) Name() string { return providerName }

// UpdateSubscription moves the subscription's first item to the price
// req.VariantID.
func (c *Client) UpdateSubscription(ctx context.Context, subscriptionID string, req billing.UpdateRequest) (*billing.RemoteSubscription, error) {
	current, err := c.retrieve(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	item := firstItem(current)
	if item == nil {
		return nil, fmt.Errorf("stripe: subscription %s has no items", subscriptionID)
	}

	proration := "create_prorations"
	switch {
	case req.InvoiceImmediately:
		proration = "always_invoice"
	case req.DisableProrations:
		proration = "none"
	}

	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{{
			ID:    stripe.String(item.ID),
			Price: stripe.String(req.VariantID),
		}},
		ProrationBehavior: stripe.String(proration),
	}
	return c.update(ctx, "update_subscription", subscriptionID, params)
}

// PauseSubscription pauses payment collection until req.ResumesAt.
func (c *Client) PauseSubscription(ctx context.Context, subscriptionID string, req billing.PauseRequest) (*billing.RemoteSubscription, error) {
	behavior := "void"
	if req.Mode == billing.PauseModeFree {
		behavior = "mark_uncollectible"
	}
	pause := &stripe.SubscriptionUpdatePauseCollectionParams{Behavior: stripe.String(behavior)}
	if !req.ResumesAt.IsZero() {
		pause.ResumesAt = stripe.Int64(req.ResumesAt.Unix())
	}
	return c.update(ctx, "pause_subscription", subscriptionID, &stripe.SubscriptionUpdateParams{PauseCollection: pause})
}

// UnpauseSubscription clears pause_collection.
func (c *Client) UnpauseSubscription(ctx context.Context, subscriptionID string) (*billing.RemoteSubscription, error) {
	params := &stripe.SubscriptionUpdateParams{}
	params.AddExtra("pause_collection", "")
	return c.update(ctx, "unpause_subscription", subscriptionID, params)
}

// linkUser writes user_id into the subscription metadata so later events
// carry it.
func (c *Client) linkUser(ctx context.Context, subscriptionID, userID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{}
	params.AddMetadata("user_id", userID)

	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Update(ctx, subscriptionID, params)
	c.record("link_user", start, err)
	if err != nil {
		return nil, c.wrap("link_user", subscriptionID, err)
	}
	return sub, nil
}

// customerUserID returns metadata.user_id of a customer, or "".
func (c *Client) customerUserID(ctx context.Context, customerID string) string {
	start := time.Now()
	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	c.record("retrieve_customer", start, err)
	if err != nil || cust.Metadata == nil {
		return ""
	}
	return cust.Metadata["user_id"]
}

func (c *Client) retrieve(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	c.record("retrieve_subscription", start, err)
	if err != nil {
		return nil, c.wrap("retrieve_subscription", subscriptionID, err)
	}
	return sub, nil
}

func (c *Client) update(ctx context.Context, endpoint, subscriptionID string, params *stripe.SubscriptionUpdateParams) (*billing.RemoteSubscription, error) {
	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Update(ctx, subscriptionID, params)
	c.record(endpoint, start, err)
	if err != nil {
		return nil, c.wrap(endpoint, subscriptionID, err)
	}

	// subscriptions carry no last-modified time; UpdatedAt stays nil so the
	// confirming webhook is never treated as stale
	return &billing.RemoteSubscription{
		ID:         sub.ID,
		Attributes: toAttributes(sub),
	}, nil
}

func (c *Client) record(endpoint string, start time.Time, err error) {
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	status := "200"
	if err != nil {
		status = "error"
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode > 0 {
			status = strconv.Itoa(se.HTTPStatusCode)
		}
	}
	c.metrics.RecordAPICall(providerName, endpoint, status)
}

// wrap converts Stripe API errors into *billing.APIError.
func (c *Client) wrap(endpoint, subscriptionID string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) || se.HTTPStatusCode == 0 {
		return fmt.Errorf("stripe %s: %w", endpoint, err)
	}
	c.logger.Warn("stripe API call failed",
		subscription.F("endpoint", endpoint),
		subscription.F("subscription_id", subscriptionID),
		subscription.F("status", se.HTTPStatusCode),
		subscription.F("code", string(se.Code)),
	)
	return &billing.APIError{
		Provider:   providerName,
		StatusCode: se.HTTPStatusCode,
		Detail:     se.Msg,
	}
}
