package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/internal/ratelimit"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// WebhookHandler verifies Stripe-Signature, translates events into
// billing events and dispatches them. The response contract matches the
// other providers.
type WebhookHandler struct {
	secret     string
	dispatcher *billing.Dispatcher
	client     *Client
	limiter    *ratelimit.Limiter
	metrics    billing.Metrics
	logger     subscription.Logger
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method == http.MethodGet {
		_ = internal.WriteJSON(w, http.StatusOK, map[string]any{
			"status":                    "ok",
			"provider":                  providerName,
			"webhook_secret_configured": h.secret != "",
		})
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(ratelimit.ClientIP(r)) {
		h.metrics.RecordWebhookError(providerName, "rate_limited")
		internal.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if h.secret == "" {
		h.logger.Error("stripe webhook received but no signing secret is configured")
		internal.WriteError(w, http.StatusUnauthorized, "invalid signature")
		h.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			h.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			h.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		internal.WriteError(w, http.StatusUnauthorized, "invalid signature")
		h.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		internal.WriteError(w, http.StatusBadRequest, "missing event name")
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}
	defer func() {
		h.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}()

	ev, err := h.translate(r.Context(), &event)
	if err == nil {
		var out billing.Outcome
		out, err = h.dispatcher.Dispatch(r.Context(), ev)
		if err == nil {
			status := "success"
			if !out.Applied {
				status = "ignored"
			}
			h.metrics.RecordWebhookEvent(providerName, eventType, status)
			_ = internal.WriteJSON(w, http.StatusOK, billing.WebhookResponse{
				Received: true,
				Event:    eventType,
				Warning:  out.Warning,
			})
			return
		}
	}

	h.logger.Error("stripe webhook processing failed",
		subscription.F("event", eventType),
		subscription.F("event_id", event.ID),
		subscription.F("error", err.Error()),
	)
	h.metrics.RecordWebhookEvent(providerName, eventType, "error")
	h.metrics.RecordWebhookError(providerName, "processing_error")
	internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
}

// translate maps a Stripe event onto the billing event vocabulary. Errors are
// only returned for failed API calls, which Stripe should retry.
func (h *WebhookHandler) translate(ctx context.Context, event *stripe.Event) (billing.Event, error) {
	env := billing.Envelope{
		Name:            string(event.Type),
		ProviderEventID: event.ID,
	}
	if event.Created > 0 {
		t := time.Unix(event.Created, 0).UTC()
		env.OccurredAt = &t
	}
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.paused",
		"customer.subscription.resumed",
		"customer.subscription.deleted":
		sub, err := decodeSubscription(raw)
		if err != nil || sub.ID == "" {
			return &billing.Unrecognized{Envelope: env, Reason: "malformed subscription object"}, nil
		}
		h.fillEnvelope(ctx, &env, sub)
		return changeEvent(event.Type, env, sub), nil

	case "invoice.payment_failed":
		env.SubscriptionID = invoiceSubscriptionID(raw)
		env.OccurredAt = nil
		if env.SubscriptionID == "" {
			return &billing.Informational{Envelope: env}, nil
		}
		return &billing.PaymentFailed{Envelope: env}, nil

	case "invoice.payment_succeeded", "invoice.paid", "customer.subscription.trial_will_end":
		return &billing.Informational{Envelope: env}, nil

	case "checkout.session.completed":
		return h.linkCheckout(ctx, env, raw)
	}
	return &billing.Unrecognized{Envelope: env, Reason: "unknown event"}, nil
}

func changeEvent(eventType stripe.EventType, env billing.Envelope, sub *stripe.Subscription) billing.Event {
	if eventType == "customer.subscription.deleted" {
		env.Name = billing.EventSubscriptionExpired
		return &billing.SubscriptionExpired{Envelope: env}
	}

	attrs := toAttributes(sub)
	if attrs.VariantID == "" {
		return &billing.Unrecognized{Envelope: env, Reason: "subscription has no price"}
	}

	created := false
	switch eventType {
	case "customer.subscription.created":
		env.Name = billing.EventSubscriptionCreated
		created = true
	case "customer.subscription.paused":
		env.Name = billing.EventSubscriptionPaused
	case "customer.subscription.resumed":
		env.Name = billing.EventSubscriptionUnpaused
	default:
		env.Name = billing.EventSubscriptionUpdated
	}
	return &billing.SubscriptionChanged{Envelope: env, Created: created, Attributes: attrs}
}

// fillEnvelope sets the correlation fields, falling back to the customer's
// metadata when the subscription carries no user id.
func (h *WebhookHandler) fillEnvelope(ctx context.Context, env *billing.Envelope, sub *stripe.Subscription) {
	env.SubscriptionID = sub.ID
	env.UserID = sub.Metadata["user_id"]
	env.UserEmail = sub.Metadata["user_email"]
	if env.UserID == "" && sub.Customer != nil && sub.Customer.ID != "" && h.client != nil {
		env.UserID = h.client.customerUserID(ctx, sub.Customer.ID)
	}
}

// linkCheckout copies metadata.user_id from a completed checkout session onto
// its subscription and applies the subscription right away, so the link does
// not depend on webhook ordering.
func (h *WebhookHandler) linkCheckout(ctx context.Context, env billing.Envelope, raw json.RawMessage) (billing.Event, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return &billing.Unrecognized{Envelope: env, Reason: "malformed checkout session"}, nil
	}
	userID := session.Metadata["user_id"]
	if session.Subscription == nil || session.Subscription.ID == "" || userID == "" {
		return &billing.Informational{Envelope: env}, nil
	}

	sub, err := h.client.retrieve(ctx, session.Subscription.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch checkout subscription: %w", err)
	}
	if sub.Metadata["user_id"] == "" {
		sub, err = h.client.linkUser(ctx, sub.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("link checkout subscription: %w", err)
		}
	}

	env.SubscriptionID = sub.ID
	env.UserID = userID
	env.UserEmail = session.Metadata["user_email"]
	return changeEvent("customer.subscription.created", env, sub), nil
}
