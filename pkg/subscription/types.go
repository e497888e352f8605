package subscription

import "time"

// Status is the internal subscription status.
type Status string

const (
	StatusActive    Status = "active"
	StatusOnTrial   Status = "on_trial"
	StatusPaused    Status = "paused"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusInactive  Status = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusOnTrial, StatusPaused, StatusPastDue,
		StatusCancelled, StatusExpired, StatusInactive:
		return true
	}
	return false
}

// Entitled reports whether the status grants access to paid features.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusOnTrial || s == StatusPastDue
}

// PlanType is the entitlement tier.
type PlanType string

const (
	PlanFree   PlanType = "free"
	PlanPro    PlanType = "pro"
	PlanAnnual PlanType = "annual"
)

// Valid reports whether p is one of the known plans.
func (p PlanType) Valid() bool {
	return p == PlanFree || p == PlanPro || p == PlanAnnual
}

// Interval is the billing interval of a paid plan.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// IntervalFor returns the billing interval implied by a plan.
func IntervalFor(plan PlanType) Interval {
	if plan == PlanAnnual {
		return IntervalYear
	}
	if plan == PlanPro {
		return IntervalMonth
	}
	return ""
}

// Subscription is the detailed per-user billing record.
//
// The external SubscriptionID is unique across rows and is the correlation key
// used by provider webhooks. UserID is unique as well.
type Subscription struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email,omitempty"`

	Status          Status   `json:"status"`
	PlanType        PlanType `json:"plan_type"`
	BillingInterval Interval `json:"billing_interval,omitempty"`

	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	ProductID      string `json:"product_id,omitempty"`
	VariantID      string `json:"variant_id,omitempty"`

	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
	RenewsAt           *time.Time `json:"renews_at,omitempty"`
	EndsAt             *time.Time `json:"ends_at,omitempty"`

	IsPaused          bool       `json:"is_paused"`
	PauseStartDate    *time.Time `json:"pause_start_date,omitempty"`
	PauseEndDate      *time.Time `json:"pause_end_date,omitempty"`
	PauseDurationDays int        `json:"pause_duration_days,omitempty"`

	DiscountPercentage   int        `json:"discount_percentage,omitempty"`
	DiscountStartDate    *time.Time `json:"discount_start_date,omitempty"`
	DiscountEndDate      *time.Time `json:"discount_end_date,omitempty"`
	DiscountReason       string     `json:"discount_reason,omitempty"`
	OriginalPriceCents   int64      `json:"original_price_cents,omitempty"`
	DiscountedPriceCents int64      `json:"discounted_price_cents,omitempty"`
	ProviderPriceSynced  bool       `json:"provider_price_synced"`

	ScheduledDowngradeTo   PlanType   `json:"scheduled_downgrade_to,omitempty"`
	ScheduledDowngradeDate *time.Time `json:"scheduled_downgrade_date,omitempty"`

	CustomerPortalURL      string `json:"customer_portal_url,omitempty"`
	UpdatePaymentMethodURL string `json:"update_payment_method_url,omitempty"`

	// ProviderUpdatedAt is the provider's own last-modified timestamp of the
	// newest event applied to this row. Older events are dropped as stale.
	ProviderUpdatedAt *time.Time `json:"provider_updated_at,omitempty"`

	// Version is the optimistic concurrency token. Zero means "not stored yet".
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderLinked reports whether the row carries a provider subscription id.
// Subscriptions bought through app stores have none and cannot be managed here.
func (s *Subscription) ProviderLinked() bool {
	return s.SubscriptionID != ""
}

// DiscountActive reports whether a discount window is open at now. An expired
// discount that was never cleared counts as inactive.
func (s *Subscription) DiscountActive(now time.Time) bool {
	return s.DiscountEndDate != nil && now.Before(*s.DiscountEndDate)
}

// HasDiscount reports whether any discount fields are set, active or not.
func (s *Subscription) HasDiscount() bool {
	return s.DiscountEndDate != nil || s.DiscountPercentage > 0
}

// DowngradeScheduled reports whether a deferred downgrade is pending.
func (s *Subscription) DowngradeScheduled() bool {
	return s.ScheduledDowngradeTo != "" && s.ScheduledDowngradeDate != nil
}

// PeriodEnd resolves the end of the current billing period, preferring the
// explicit period end, then the renewal date, then the end date.
func (s *Subscription) PeriodEnd() *time.Time {
	switch {
	case s.CurrentPeriodEnd != nil:
		return s.CurrentPeriodEnd
	case s.RenewsAt != nil:
		return s.RenewsAt
	default:
		return s.EndsAt
	}
}

// SetPause sets all four pause fields together.
func (s *Subscription) SetPause(start, end time.Time) {
	s.IsPaused = true
	s.PauseStartDate = timePtr(start)
	s.PauseEndDate = timePtr(end)
	s.PauseDurationDays = int(end.Sub(start).Round(24*time.Hour).Hours() / 24)
}

// ClearPause clears all four pause fields together.
func (s *Subscription) ClearPause() {
	s.IsPaused = false
	s.PauseStartDate = nil
	s.PauseEndDate = nil
	s.PauseDurationDays = 0
}

// Discount describes a discount window to record on a subscription.
type Discount struct {
	Percentage           int
	Start                time.Time
	End                  time.Time
	Reason               string
	OriginalPriceCents   int64
	DiscountedPriceCents int64
}

// SetDiscount sets all discount fields together. The provider price is
// considered unsynced until a reconciliation step confirms it.
func (s *Subscription) SetDiscount(d Discount) {
	s.DiscountPercentage = d.Percentage
	s.DiscountStartDate = timePtr(d.Start)
	s.DiscountEndDate = timePtr(d.End)
	s.DiscountReason = d.Reason
	s.OriginalPriceCents = d.OriginalPriceCents
	s.DiscountedPriceCents = d.DiscountedPriceCents
	s.ProviderPriceSynced = false
}

// ClearDiscount clears all discount fields together.
func (s *Subscription) ClearDiscount() {
	s.DiscountPercentage = 0
	s.DiscountStartDate = nil
	s.DiscountEndDate = nil
	s.DiscountReason = ""
	s.OriginalPriceCents = 0
	s.DiscountedPriceCents = 0
	s.ProviderPriceSynced = false
}

// ScheduleDowngrade sets both scheduling fields.
func (s *Subscription) ScheduleDowngrade(to PlanType, at time.Time) {
	s.ScheduledDowngradeTo = to
	s.ScheduledDowngradeDate = timePtr(at)
}

// ClearScheduledDowngrade clears both scheduling fields.
func (s *Subscription) ClearScheduledDowngrade() {
	s.ScheduledDowngradeTo = ""
	s.ScheduledDowngradeDate = nil
}

// EffectivePlan is the plan the user is entitled to right now. Cancelled and
// expired subscriptions fall back to the free tier.
func (s *Subscription) EffectivePlan() PlanType {
	if s.Status == StatusCancelled || s.Status == StatusExpired {
		return PlanFree
	}
	if s.PlanType == "" {
		return PlanFree
	}
	return s.PlanType
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.TrialEndsAt = cloneTime(s.TrialEndsAt)
	c.RenewsAt = cloneTime(s.RenewsAt)
	c.EndsAt = cloneTime(s.EndsAt)
	c.PauseStartDate = cloneTime(s.PauseStartDate)
	c.PauseEndDate = cloneTime(s.PauseEndDate)
	c.DiscountStartDate = cloneTime(s.DiscountStartDate)
	c.DiscountEndDate = cloneTime(s.DiscountEndDate)
	c.ScheduledDowngradeDate = cloneTime(s.ScheduledDowngradeDate)
	c.ProviderUpdatedAt = cloneTime(s.ProviderUpdatedAt)
	return &c
}

// UserSettings is the denormalized summary row read by the rest of the app.
type UserSettings struct {
	UserID             string     `json:"user_id"`
	SubscriptionStatus Status     `json:"subscription_status"`
	SubscriptionPlan   PlanType   `json:"subscription_plan"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at,omitempty"`
	CustomerID         string     `json:"customer_id,omitempty"`
	SubscriptionID     string     `json:"subscription_id,omitempty"`
	// HasUsedTrial is a one-way latch. Stores never reset it to false.
	HasUsedTrial bool      `json:"has_used_trial"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the settings.
func (u *UserSettings) Clone() *UserSettings {
	if u == nil {
		return nil
	}
	c := *u
	c.SubscriptionEndsAt = cloneTime(u.SubscriptionEndsAt)
	return &c
}

// HistoryEventType classifies a history entry. The set is open-ended.
type HistoryEventType string

const (
	EventSubscribed         HistoryEventType = "subscribed"
	EventUpgraded           HistoryEventType = "upgraded"
	EventDowngraded         HistoryEventType = "downgraded"
	EventPaused             HistoryEventType = "paused"
	EventResumed            HistoryEventType = "resumed"
	EventDiscountApplied    HistoryEventType = "discount_applied"
	EventDiscountRemoved    HistoryEventType = "discount_removed"
	EventDiscountExpired    HistoryEventType = "discount_expired"
	EventCancelled          HistoryEventType = "cancelled"
	EventReactivated        HistoryEventType = "reactivated"
	EventExpired            HistoryEventType = "expired"
	EventPaymentFailed      HistoryEventType = "payment_failed"
	EventDowngradeScheduled HistoryEventType = "downgrade_scheduled"
	EventDowngradeCancelled HistoryEventType = "downgrade_cancelled"
)

// HistoryEvent is an append-only audit entry. It is never updated or deleted.
type HistoryEvent struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	EventType   HistoryEventType `json:"event_type"`
	Description string           `json:"description"`
	FromPlan    PlanType         `json:"from_plan,omitempty"`
	ToPlan      PlanType         `json:"to_plan,omitempty"`
	AmountCents *int64           `json:"amount_cents,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
