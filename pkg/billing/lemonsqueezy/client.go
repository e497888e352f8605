package lemonsqueezy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	// DefaultBaseURL is the Lemon Squeezy API root.
	DefaultBaseURL = "https://api.lemonsqueezy.com"

	jsonAPIMediaType = "application/vnd.api+json"
	maxErrorBody     = 64 * 1024
)

// Client is the Lemon Squeezy subscription management API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	metrics    billing.Metrics
	logger     subscription.Logger
}

var _ billing.Client = (*Client)(nil)

// NewClient creates an API client from config. APIKey may be empty; calls
// then fail with billing.ErrProviderNotConfigured.
func NewClient(config billing.Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(config.APIKey),
		httpClient: httpClient,
		metrics:    metrics,
		logger:     logger,
	}
}

func (c *Client) Name() string { return providerName }

type updateAttributes struct {
	VariantID          json.Number `json:"variant_id"`
	InvoiceImmediately bool        `json:"invoice_immediately"`
	DisableProrations  bool        `json:"disable_prorations"`
}

type pauseBody struct {
	Mode      string `json:"mode"`
	ResumesAt string `json:"resumes_at,omitempty"`
}

// UpdateSubscription switches the subscription to req.VariantID.
func (c *Client) UpdateSubscription(ctx context.Context, subscriptionID string, req billing.UpdateRequest) (*billing.RemoteSubscription, error) {
	if _, err := strconv.ParseInt(req.VariantID, 10, 64); err != nil {
		return nil, fmt.Errorf("lemonsqueezy: variant id %q is not numeric", req.VariantID)
	}
	return c.patch(ctx, "update_subscription", subscriptionID, updateAttributes{
		VariantID:          json.Number(req.VariantID),
		InvoiceImmediately: req.InvoiceImmediately,
		DisableProrations:  req.DisableProrations,
	})
}

// PauseSubscription pauses billing until req.ResumesAt.
func (c *Client) PauseSubscription(ctx context.Context, subscriptionID string, req billing.PauseRequest) (*billing.RemoteSubscription, error) {
	mode := req.Mode
	if mode == "" {
		mode = billing.PauseModeVoid
	}
	p := pauseBody{Mode: string(mode)}
	if !req.ResumesAt.IsZero() {
		p.ResumesAt = req.ResumesAt.UTC().Format(time.RFC3339)
	}
	return c.patch(ctx, "pause_subscription", subscriptionID, map[string]any{"pause": p})
}

// UnpauseSubscription clears the pause.
func (c *Client) UnpauseSubscription(ctx context.Context, subscriptionID string) (*billing.RemoteSubscription, error) {
	return c.patch(ctx, "unpause_subscription", subscriptionID, map[string]any{"pause": nil})
}

func (c *Client) patch(ctx context.Context, endpoint, subscriptionID string, attributes any) (*billing.RemoteSubscription, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: lemonsqueezy API key is not set", billing.ErrProviderNotConfigured)
	}
	if subscriptionID == "" {
		return nil, fmt.Errorf("lemonsqueezy %s: subscription id is required", endpoint)
	}

	body, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"type":       typeSubscriptions,
			"id":         subscriptionID,
			"attributes": attributes,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lemonsqueezy %s: encode request: %w", endpoint, err)
	}

	endpointURL := c.baseURL + "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("lemonsqueezy %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", jsonAPIMediaType)
	req.Header.Set("Content-Type", jsonAPIMediaType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, fmt.Errorf("lemonsqueezy %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &billing.APIError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(raw),
			Body:       raw,
		}
		c.logger.Warn("lemonsqueezy API call failed",
			subscription.F("endpoint", endpoint),
			subscription.F("subscription_id", subscriptionID),
			subscription.F("status", resp.StatusCode),
			subscription.F("detail", apiErr.Detail),
		)
		return nil, apiErr
	}

	var doc struct {
		Data resource `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("lemonsqueezy %s: decode response: %w", endpoint, err)
	}
	attrs, err := decodeSubscription(&doc.Data)
	if err != nil {
		return nil, fmt.Errorf("lemonsqueezy %s: decode attributes: %w", endpoint, err)
	}

	id := string(doc.Data.ID)
	if id == "" {
		id = subscriptionID
	}
	return &billing.RemoteSubscription{
		ID:         id,
		Attributes: attrs.toBilling(),
		UpdatedAt:  attrs.UpdatedAt,
	}, nil
}

// errorDetail extracts a human readable message from a JSON:API error
// document. Raw bodies are never returned to callers.
func errorDetail(raw []byte) string {
	var doc struct {
		Errors []struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	msgs := make([]string, 0, len(doc.Errors))
	for _, e := range doc.Errors {
		switch {
		case e.Detail != "":
			msgs = append(msgs, e.Detail)
		case e.Title != "":
			msgs = append(msgs, e.Title)
		}
	}
	return strings.Join(msgs, "; ")
}
