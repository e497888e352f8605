package billing

import (
	"context"
	"net/http"
	"time"
)

// Provider is the generic interface that any billing backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "lemonsqueezy", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, parsing and dispatch internally.
	WebhookHandler() http.Handler

	// Client returns the provider's subscription management API.
	Client() Client
}

// Client is a provider's subscription management API. Every call returns the
// subscription as the provider sees it after the change.
type Client interface {
	Name() string

	// UpdateSubscription changes the subscription's variant.
	UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateRequest) (*RemoteSubscription, error)

	// PauseSubscription pauses billing until req.ResumesAt.
	PauseSubscription(ctx context.Context, subscriptionID string, req PauseRequest) (*RemoteSubscription, error)

	// UnpauseSubscription removes a pause.
	UnpauseSubscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error)
}

// UpdateRequest describes a variant change.
type UpdateRequest struct {
	VariantID string
	// InvoiceImmediately bills the prorated difference right away.
	InvoiceImmediately bool
	// DisableProrations defers the new price to the next billing cycle.
	DisableProrations bool
}

// PauseMode controls what the customer gets while paused.
type PauseMode string

const (
	// PauseModeVoid stops service and billing.
	PauseModeVoid PauseMode = "void"
	// PauseModeFree keeps service without billing.
	PauseModeFree PauseMode = "free"
)

// PauseRequest describes a pause.
type PauseRequest struct {
	Mode      PauseMode
	ResumesAt time.Time
}

// RemoteSubscription is the provider's view of a subscription.
type RemoteSubscription struct {
	ID         string
	Attributes Attributes
	UpdatedAt  *time.Time
}
