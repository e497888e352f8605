package lemonsqueezy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const (
	typeSubscriptions        = "subscriptions"
	typeSubscriptionInvoices = "subscription-invoices"
)

// flexID accepts ids sent either as JSON strings or numbers.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = flexID(n.String())
	return nil
}

type payload struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		WebhookID  string         `json:"webhook_id"`
		TestMode   bool           `json:"test_mode"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data *resource `json:"data"`
}

type resource struct {
	Type       string          `json:"type"`
	ID         flexID          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

type pauseAttributes struct {
	Mode      string     `json:"mode"`
	ResumesAt *time.Time `json:"resumes_at"`
}

type subscriptionAttributes struct {
	Status      string     `json:"status"`
	VariantID   flexID     `json:"variant_id"`
	ProductID   flexID     `json:"product_id"`
	CustomerID  flexID     `json:"customer_id"`
	OrderID     flexID     `json:"order_id"`
	UserEmail   string     `json:"user_email"`
	TrialEndsAt *time.Time `json:"trial_ends_at"`
	RenewsAt    *time.Time `json:"renews_at"`
	EndsAt      *time.Time `json:"ends_at"`
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`

	Pause *pauseAttributes `json:"pause"`
	URLs  struct {
		UpdatePaymentMethod string `json:"update_payment_method"`
		CustomerPortal      string `json:"customer_portal"`
	} `json:"urls"`
}

type invoiceAttributes struct {
	SubscriptionID flexID `json:"subscription_id"`
	Status         string `json:"status"`
}

// ParseEvent decodes a verified webhook body into a billing.Event.
//
// Only two failures are errors: a body that is not a JSON object
// (billing.ErrInvalidWebhookPayload) and a missing meta.event_name
// (billing.ErrMissingEventName). A known event whose required fields are
// missing or malformed becomes *billing.Unrecognized so it is acknowledged
// without touching state.
func ParseEvent(body []byte) (billing.Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	name := strings.TrimSpace(p.Meta.EventName)
	if name == "" {
		return nil, billing.ErrMissingEventName
	}

	env := billing.Envelope{
		Name:            name,
		ProviderEventID: p.Meta.WebhookID,
		UserID:          customString(p.Meta.CustomData, "user_id"),
		UserEmail:       customString(p.Meta.CustomData, "user_email"),
	}

	unrecognized := func(reason string) (billing.Event, error) {
		return &billing.Unrecognized{Envelope: env, Reason: reason}, nil
	}

	switch name {
	case billing.EventSubscriptionPaymentSuccess, billing.EventOrderCreated:
		if p.Data != nil {
			env.SubscriptionID = subscriptionIDOf(p.Data)
		}
		return &billing.Informational{Envelope: env}, nil

	case billing.EventSubscriptionPaymentFailed:
		if p.Data == nil {
			return unrecognized("missing data")
		}
		env.SubscriptionID = subscriptionIDOf(p.Data)
		if env.SubscriptionID == "" {
			return unrecognized("missing subscription id")
		}
		if p.Data.Type == typeSubscriptions {
			if attrs, err := decodeSubscription(p.Data); err == nil {
				env.OccurredAt = attrs.UpdatedAt
			}
		}
		return &billing.PaymentFailed{Envelope: env}, nil

	case billing.EventSubscriptionCreated,
		billing.EventSubscriptionUpdated,
		billing.EventSubscriptionPaused,
		billing.EventSubscriptionUnpaused,
		billing.EventSubscriptionPaymentRecovered,
		billing.EventSubscriptionCancelled,
		billing.EventSubscriptionResumed,
		billing.EventSubscriptionExpired:
	default:
		return unrecognized("unknown event")
	}

	if p.Data == nil || p.Data.ID == "" {
		return unrecognized("missing data.id")
	}

	// payment_recovered is delivered as an invoice; the follow-up
	// subscription_updated carries the new status
	if p.Data.Type == typeSubscriptionInvoices {
		env.SubscriptionID = subscriptionIDOf(p.Data)
		return &billing.Informational{Envelope: env}, nil
	}

	attrs, err := decodeSubscription(p.Data)
	if err != nil {
		return unrecognized(fmt.Sprintf("malformed attributes: %v", err))
	}

	env.SubscriptionID = string(p.Data.ID)
	env.OccurredAt = attrs.UpdatedAt
	if env.UserEmail == "" {
		env.UserEmail = attrs.UserEmail
	}

	switch name {
	case billing.EventSubscriptionCancelled:
		return &billing.SubscriptionCancelled{Envelope: env, EndsAt: attrs.EndsAt}, nil

	case billing.EventSubscriptionResumed:
		if attrs.Status == "" {
			return unrecognized("missing attributes.status")
		}
		return &billing.SubscriptionResumed{Envelope: env, Status: attrs.Status, RenewsAt: attrs.RenewsAt}, nil

	case billing.EventSubscriptionExpired:
		return &billing.SubscriptionExpired{Envelope: env}, nil
	}

	if attrs.Status == "" {
		return unrecognized("missing attributes.status")
	}
	if attrs.VariantID == "" {
		return unrecognized("missing attributes.variant_id")
	}
	return &billing.SubscriptionChanged{
		Envelope:   env,
		Created:    name == billing.EventSubscriptionCreated,
		Attributes: attrs.toBilling(),
	}, nil
}

func decodeSubscription(r *resource) (*subscriptionAttributes, error) {
	if len(r.Attributes) == 0 {
		return nil, fmt.Errorf("missing attributes")
	}
	var attrs subscriptionAttributes
	if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
		return nil, err
	}
	return &attrs, nil
}

func (a *subscriptionAttributes) toBilling() billing.Attributes {
	out := billing.Attributes{
		Status:                 a.Status,
		VariantID:              string(a.VariantID),
		ProductID:              string(a.ProductID),
		CustomerID:             string(a.CustomerID),
		OrderID:                string(a.OrderID),
		TrialEndsAt:            a.TrialEndsAt,
		RenewsAt:               a.RenewsAt,
		EndsAt:                 a.EndsAt,
		CustomerPortalURL:      a.URLs.CustomerPortal,
		UpdatePaymentMethodURL: a.URLs.UpdatePaymentMethod,
	}
	if a.Pause != nil {
		out.Pause = &billing.Pause{Mode: a.Pause.Mode, ResumesAt: a.Pause.ResumesAt}
	}
	return out
}

// subscriptionIDOf returns the subscription id a resource refers to:
// its own id for subscriptions, attributes.subscription_id for invoices.
func subscriptionIDOf(r *resource) string {
	if r.Type == typeSubscriptions || r.Type == "" {
		return string(r.ID)
	}
	if r.Type != typeSubscriptionInvoices || len(r.Attributes) == 0 {
		return ""
	}
	var inv invoiceAttributes
	if err := json.Unmarshal(r.Attributes, &inv); err != nil {
		return ""
	}
	return string(inv.SubscriptionID)
}

func customString(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
