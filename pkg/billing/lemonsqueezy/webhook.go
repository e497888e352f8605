package lemonsqueezy

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/internal/ratelimit"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// WebhookHandler verifies, parses and dispatches Lemon Squeezy webhooks.
//
//	POST  200 {"received":true,"event":...[,"warning":...]}
//	      401 bad or missing signature
//	      400 malformed body or missing event name
//	      500 primary subscription write failed (provider retries)
//	GET   diagnostic payload
type WebhookHandler struct {
	secret     []byte
	dispatcher *billing.Dispatcher
	plans      billing.PlanMapping
	limiter    *ratelimit.Limiter
	metrics    billing.Metrics
	logger     subscription.Logger
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w)
	default:
		w.Header().Set("Allow", "GET, POST")
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *WebhookHandler) handleGet(w http.ResponseWriter) {
	_ = internal.WriteJSON(w, http.StatusOK, map[string]any{
		"status":                    "ok",
		"provider":                  providerName,
		"webhook_secret_configured": len(h.secret) > 0,
		"plans_configured":          h.plans.Validate() == nil,
	})
}

func (h *WebhookHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if h.limiter != nil && !h.limiter.Allow(ratelimit.ClientIP(r)) {
		h.metrics.RecordWebhookError(providerName, "rate_limited")
		internal.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if len(h.secret) == 0 {
		h.logger.Error("lemonsqueezy webhook received but no signing secret is configured")
		h.metrics.RecordWebhookError(providerName, "auth_failed")
		internal.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if !VerifySignature(body, r.Header.Get(SignatureHeader), h.secret) {
		h.metrics.RecordWebhookError(providerName, "auth_failed")
		h.logger.Warn("lemonsqueezy webhook signature rejected",
			subscription.F("remote_ip", ratelimit.ClientIP(r)),
		)
		internal.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		if errors.Is(err, billing.ErrMissingEventName) {
			internal.WriteError(w, http.StatusBadRequest, "missing event name")
			return
		}
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	name := ev.Meta().Name
	defer func() {
		h.metrics.RecordWebhookProcessingDuration(providerName, name, time.Since(start))
	}()

	out, err := h.dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		h.logger.Error("lemonsqueezy webhook processing failed",
			subscription.F("event", name),
			subscription.F("subscription_id", ev.Meta().SubscriptionID),
			subscription.F("error", err.Error()),
		)
		h.metrics.RecordWebhookEvent(providerName, name, "error")
		h.metrics.RecordWebhookError(providerName, "processing_error")
		internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	status := "success"
	if !out.Applied {
		status = "ignored"
	}
	h.metrics.RecordWebhookEvent(providerName, name, status)

	_ = internal.WriteJSON(w, http.StatusOK, billing.WebhookResponse{
		Received: true,
		Event:    name,
		Warning:  out.Warning,
	})
}
