package billing

import "time"

// Event names shared by all providers. Provider packages translate their own
// vocabulary onto these before dispatching.
const (
	EventSubscriptionCreated          = "subscription_created"
	EventSubscriptionUpdated          = "subscription_updated"
	EventSubscriptionCancelled        = "subscription_cancelled"
	EventSubscriptionResumed          = "subscription_resumed"
	EventSubscriptionExpired          = "subscription_expired"
	EventSubscriptionPaused           = "subscription_paused"
	EventSubscriptionUnpaused         = "subscription_unpaused"
	EventSubscriptionPaymentSuccess   = "subscription_payment_success"
	EventSubscriptionPaymentFailed    = "subscription_payment_failed"
	EventSubscriptionPaymentRecovered = "subscription_payment_recovered"
	EventOrderCreated                 = "order_created"
)

// Event is a verified, parsed provider event. The concrete type selects the
// transition the Dispatcher applies:
//
//	*SubscriptionChanged   created / updated / paused / unpaused / payment recovered
//	*SubscriptionCancelled cancelled
//	*SubscriptionResumed   resumed
//	*SubscriptionExpired   expired
//	*PaymentFailed         payment failed
//	*Informational         known events that change nothing
//	*Unrecognized          unknown names and variants missing required fields
type Event interface {
	Meta() Envelope
	isEvent()
}

// Envelope carries what every event has in common.
type Envelope struct {
	// Name is the provider-neutral event name.
	Name string
	// ProviderEventID identifies the delivery when the provider supplies one.
	ProviderEventID string
	// SubscriptionID is the provider's subscription id.
	SubscriptionID string
	// UserID and UserEmail come from the checkout's custom data.
	UserID    string
	UserEmail string
	// OccurredAt is the provider's last-modified timestamp for the
	// subscription, used to drop stale deliveries. Nil when unknown.
	OccurredAt *time.Time
}

// Meta returns the envelope. Promoted to every concrete event.
func (e Envelope) Meta() Envelope { return e }

// Pause is the provider-side pause state.
type Pause struct {
	Mode      string
	ResumesAt *time.Time
}

// Attributes is the subscription snapshot carried by change events.
type Attributes struct {
	// Status in the provider's vocabulary. Normalized by MapStatus.
	Status     string
	VariantID  string
	ProductID  string
	CustomerID string
	OrderID    string

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialEndsAt        *time.Time
	RenewsAt           *time.Time
	EndsAt             *time.Time

	// Pause is nil when the subscription is not paused.
	Pause *Pause

	CustomerPortalURL      string
	UpdatePaymentMethodURL string
}

// SubscriptionChanged carries a full subscription snapshot.
type SubscriptionChanged struct {
	Envelope
	// Created is true only for the first checkout event; it latches the
	// user's trial eligibility.
	Created    bool
	Attributes Attributes
}

// SubscriptionCancelled marks the subscription as ending at EndsAt.
type SubscriptionCancelled struct {
	Envelope
	EndsAt *time.Time
}

// SubscriptionResumed reverses a cancellation.
type SubscriptionResumed struct {
	Envelope
	Status   string
	RenewsAt *time.Time
}

// SubscriptionExpired ends the subscription for good.
type SubscriptionExpired struct {
	Envelope
}

// PaymentFailed moves the subscription to past due.
type PaymentFailed struct {
	Envelope
}

// Informational is acknowledged without changing anything.
type Informational struct {
	Envelope
}

// Unrecognized is acknowledged and logged. Reason says why it could not be
// routed to a transition.
type Unrecognized struct {
	Envelope
	Reason string
}

func (*SubscriptionChanged) isEvent()   {}
func (*SubscriptionCancelled) isEvent() {}
func (*SubscriptionResumed) isEvent()   {}
func (*SubscriptionExpired) isEvent()   {}
func (*PaymentFailed) isEvent()         {}
func (*Informational) isEvent()         {}
func (*Unrecognized) isEvent()          {}
