package billing

import (
	"time"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// WebhookEvent contains information about a successfully applied webhook.
// It is passed to the WebhookCallback after the subscription row was written.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// SubscriptionID is the provider's subscription id
	SubscriptionID string

	// PreviousPlan and PreviousStatus are empty when the row was created
	PreviousPlan   subscription.PlanType
	PreviousStatus subscription.Status

	NewPlan   subscription.PlanType
	NewStatus subscription.Status

	// Provider is the billing provider name ("lemonsqueezy", "stripe")
	Provider string

	// EventType is the provider-neutral event name
	EventType string

	// EventTimestamp is the provider's timestamp, or receipt time when absent
	EventTimestamp time.Time

	// EndsAt is when access ends (nil while renewing)
	EndsAt *time.Time
}

// WebhookResponse is the JSON body returned to the provider on success.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Event    string `json:"event"`
	Warning  string `json:"warning,omitempty"`
}
