package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

var errStaleEvent = errors.New("stale event")

// Outcome reports what Dispatch did with an event.
type Outcome struct {
	// Applied is true when a subscription row was written.
	Applied bool
	// UserID is the owner of the written row.
	UserID string
	// Warning is set when the event was acknowledged but not fully applied.
	Warning string
}

// Dispatcher is the webhook state machine. It applies verified, parsed events
// to the subscription store through the Manager.
//
// Every transition is safe to apply more than once: writes are overwrites
// keyed by user id or external subscription id, history is only appended when
// the row actually changes state, and events older than the newest one
// already applied are dropped.
type Dispatcher struct {
	provider string
	manager  *subscription.Manager
	plans    PlanMapping
	logger   subscription.Logger
	metrics  Metrics
	callback func(ctx context.Context, event WebhookEvent) error
}

// NewDispatcher creates a dispatcher for the named provider.
func NewDispatcher(provider string, config Config) (*Dispatcher, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("%w: manager is required", ErrProviderNotConfigured)
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Dispatcher{
		provider: provider,
		manager:  config.Manager,
		plans:    config.Plans,
		logger:   config.Logger,
		metrics:  config.Metrics,
		callback: config.WebhookCallback,
	}, nil
}

// Dispatch applies ev. The returned error is non-nil only when the primary
// subscription write failed; those deliveries should be retried by the
// provider. Everything else is acknowledged, with Outcome.Warning describing
// anything that was skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case *SubscriptionChanged:
		return d.applyChanged(ctx, e)

	case *SubscriptionCancelled:
		return d.run(ctx, transition{
			meta: e.Envelope,
			apply: func(sub *subscription.Subscription, _ time.Time) {
				sub.Status = subscription.StatusCancelled
				if e.EndsAt != nil {
					sub.EndsAt = copyTime(e.EndsAt)
				}
			},
			history: func(prev, next *subscription.Subscription) []*subscription.HistoryEvent {
				if prev.Status == subscription.StatusCancelled {
					return nil
				}
				desc := "Subscription cancelled"
				if next.EndsAt != nil {
					desc = fmt.Sprintf("Subscription cancelled; access ends %s", next.EndsAt.Format("2006-01-02"))
				}
				return []*subscription.HistoryEvent{{
					UserID:      next.UserID,
					EventType:   subscription.EventCancelled,
					Description: desc,
					FromPlan:    prev.PlanType,
					ToPlan:      subscription.PlanFree,
					Metadata:    map[string]any{"ends_at": formatTime(next.EndsAt)},
				}}
			},
		})

	case *SubscriptionResumed:
		status := MapStatus(e.Status)
		return d.run(ctx, transition{
			meta: e.Envelope,
			apply: func(sub *subscription.Subscription, _ time.Time) {
				sub.Status = status
				sub.EndsAt = nil
				if e.RenewsAt != nil {
					sub.RenewsAt = copyTime(e.RenewsAt)
				}
			},
			history: func(prev, next *subscription.Subscription) []*subscription.HistoryEvent {
				if prev.Status != subscription.StatusCancelled && prev.EndsAt == nil {
					return nil
				}
				return []*subscription.HistoryEvent{{
					UserID:      next.UserID,
					EventType:   subscription.EventReactivated,
					Description: "Subscription reactivated",
					FromPlan:    prev.EffectivePlan(),
					ToPlan:      next.PlanType,
					Metadata:    map[string]any{"renews_at": formatTime(next.RenewsAt)},
				}}
			},
		})

	case *SubscriptionExpired:
		return d.run(ctx, transition{
			meta: e.Envelope,
			apply: func(sub *subscription.Subscription, _ time.Time) {
				sub.Status = subscription.StatusExpired
				sub.PlanType = subscription.PlanFree
				sub.BillingInterval = ""
				sub.ClearPause()
				sub.ClearScheduledDowngrade()
			},
			history: func(prev, next *subscription.Subscription) []*subscription.HistoryEvent {
				if prev.Status == subscription.StatusExpired {
					return nil
				}
				return []*subscription.HistoryEvent{{
					UserID:      next.UserID,
					EventType:   subscription.EventExpired,
					Description: "Subscription expired",
					FromPlan:    prev.PlanType,
					ToPlan:      subscription.PlanFree,
				}}
			},
		})

	case *PaymentFailed:
		return d.run(ctx, transition{
			meta: e.Envelope,
			apply: func(sub *subscription.Subscription, _ time.Time) {
				sub.Status = subscription.StatusPastDue
			},
			history: func(prev, next *subscription.Subscription) []*subscription.HistoryEvent {
				if prev.Status == subscription.StatusPastDue {
					return nil
				}
				return []*subscription.HistoryEvent{{
					UserID:      next.UserID,
					EventType:   subscription.EventPaymentFailed,
					Description: "Payment failed; subscription is past due",
					FromPlan:    prev.PlanType,
					ToPlan:      next.PlanType,
				}}
			},
		})

	case *Informational:
		d.logger.Debug("informational webhook acknowledged",
			subscription.F("provider", d.provider),
			subscription.F("event", e.Name),
			subscription.F("subscription_id", e.SubscriptionID),
		)
		return Outcome{}, nil

	case *Unrecognized:
		d.logger.Info("unrecognized webhook event acknowledged",
			subscription.F("provider", d.provider),
			subscription.F("event", e.Name),
			subscription.F("reason", e.Reason),
		)
		return Outcome{}, nil

	default:
		d.logger.Warn("webhook event type has no transition",
			subscription.F("provider", d.provider),
			subscription.F("type", fmt.Sprintf("%T", ev)),
		)
		return Outcome{Warning: "event ignored"}, nil
	}
}

func (d *Dispatcher) applyChanged(ctx context.Context, e *SubscriptionChanged) (Outcome, error) {
	plan, err := d.plans.MapPlan(e.Attributes.VariantID)
	if err != nil {
		d.metrics.RecordWebhookError(d.provider, "unmapped_variant")
		if d.plans.Policy() == UnmappedQuarantine {
			d.logger.Error("webhook quarantined: variant is not mapped to a plan",
				subscription.F("provider", d.provider),
				subscription.F("event", e.Name),
				subscription.F("subscription_id", e.SubscriptionID),
				subscription.F("user_id", e.UserID),
				subscription.F("variant_id", e.Attributes.VariantID),
			)
			return Outcome{Warning: fmt.Sprintf("variant %q is not mapped to a plan; event quarantined", e.Attributes.VariantID)}, nil
		}
		d.logger.Warn("unmapped variant classified as pro",
			subscription.F("provider", d.provider),
			subscription.F("subscription_id", e.SubscriptionID),
			subscription.F("variant_id", e.Attributes.VariantID),
		)
	}

	status := MapStatus(e.Attributes.Status)
	created := e.Created

	return d.run(ctx, transition{
		meta:       e.Envelope,
		byUser:     true,
		latchTrial: created,
		apply: func(sub *subscription.Subscription, now time.Time) {
			applyAttributes(sub, e.Envelope, e.Attributes, status, plan, now)
		},
		history: func(prev, next *subscription.Subscription) []*subscription.HistoryEvent {
			return changedHistory(created, prev, next)
		},
	})
}

type transition struct {
	meta Envelope
	// byUser upserts by the custom-data user id when present; otherwise the
	// row is located by external subscription id.
	byUser     bool
	latchTrial bool
	apply      func(sub *subscription.Subscription, now time.Time)
	history    func(prev, next *subscription.Subscription) []*subscription.HistoryEvent
}

func (d *Dispatcher) run(ctx context.Context, t transition) (Outcome, error) {
	now := d.manager.Now()

	var prev *subscription.Subscription
	mutate := func(sub *subscription.Subscription) error {
		if isStale(sub, t.meta.OccurredAt) {
			return errStaleEvent
		}
		prev = sub.Clone()
		t.apply(sub, now)
		if t.meta.OccurredAt != nil {
			sub.ProviderUpdatedAt = copyTime(t.meta.OccurredAt)
		}
		return nil
	}

	var opts []subscription.WriteOption
	if t.latchTrial {
		opts = append(opts, subscription.LatchTrial())
	}

	var (
		saved *subscription.Subscription
		err   error
	)
	if t.byUser && t.meta.UserID != "" {
		saved, err = d.manager.Upsert(ctx, t.meta.UserID, mutate, opts...)
	} else {
		saved, err = d.manager.UpdateByExternalID(ctx, t.meta.SubscriptionID, mutate, opts...)
	}

	var out Outcome
	switch {
	case errors.Is(err, errStaleEvent):
		d.logger.Warn("stale webhook ignored",
			subscription.F("provider", d.provider),
			subscription.F("event", t.meta.Name),
			subscription.F("subscription_id", t.meta.SubscriptionID),
			subscription.F("occurred_at", formatTime(t.meta.OccurredAt)),
		)
		return Outcome{Warning: "stale event ignored"}, nil

	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		if t.byUser {
			d.logger.Warn("webhook has no user id and matches no subscription; link it manually",
				subscription.F("provider", d.provider),
				subscription.F("event", t.meta.Name),
				subscription.F("subscription_id", t.meta.SubscriptionID),
				subscription.F("user_email", t.meta.UserEmail),
			)
			d.metrics.RecordWebhookError(d.provider, "missing_user_id")
			return Outcome{Warning: "custom_data.user_id missing; subscription not linked"}, nil
		}
		d.logger.Warn("webhook references unknown subscription",
			subscription.F("provider", d.provider),
			subscription.F("event", t.meta.Name),
			subscription.F("subscription_id", t.meta.SubscriptionID),
		)
		return Outcome{Warning: "no subscription linked to this id"}, nil

	case errors.Is(err, subscription.ErrDuplicateSubscriptionID):
		d.logger.Error("webhook subscription id already belongs to another user",
			subscription.F("provider", d.provider),
			subscription.F("event", t.meta.Name),
			subscription.F("subscription_id", t.meta.SubscriptionID),
			subscription.F("user_id", t.meta.UserID),
		)
		d.metrics.RecordWebhookError(d.provider, "duplicate_subscription_id")
		return Outcome{Warning: "subscription id is linked to another user"}, nil

	case errors.Is(err, subscription.ErrProjectionFailed):
		out.Warning = "user settings projection failed"

	case err != nil:
		return Outcome{}, fmt.Errorf("apply %s: %w", t.meta.Name, err)
	}

	out.Applied = true
	out.UserID = saved.UserID

	if prev.PlanType != saved.PlanType {
		from := string(prev.PlanType)
		if from == "" {
			from = "none"
		}
		d.metrics.RecordPlanChange(d.provider, from, string(saved.PlanType))
	}

	for _, entry := range t.history(prev, saved) {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		entry.Metadata["source"] = "webhook"
		entry.Metadata["provider"] = d.provider
		entry.Metadata["subscription_id"] = saved.SubscriptionID
		if err := d.manager.History().Log(ctx, entry); err != nil {
			out.Warning = joinWarning(out.Warning, "history append failed")
		}
	}

	d.notify(ctx, t.meta, prev, saved, now)
	return out, nil
}

func (d *Dispatcher) notify(ctx context.Context, meta Envelope, prev, next *subscription.Subscription, now time.Time) {
	if d.callback == nil {
		return
	}
	ts := now
	if meta.OccurredAt != nil {
		ts = *meta.OccurredAt
	}
	err := d.callback(ctx, WebhookEvent{
		UserID:         next.UserID,
		SubscriptionID: next.SubscriptionID,
		PreviousPlan:   prev.PlanType,
		PreviousStatus: prev.Status,
		NewPlan:        next.PlanType,
		NewStatus:      next.Status,
		Provider:       d.provider,
		EventType:      meta.Name,
		EventTimestamp: ts,
		EndsAt:         copyTime(next.EndsAt),
	})
	if err != nil {
		d.logger.Warn("webhook callback failed",
			subscription.F("provider", d.provider),
			subscription.F("event", meta.Name),
			subscription.F("user_id", next.UserID),
			subscription.F("error", err.Error()),
		)
	}
}

func applyAttributes(sub *subscription.Subscription, meta Envelope, attrs Attributes, status subscription.Status, plan subscription.PlanType, now time.Time) {
	sub.Status = status
	sub.PlanType = plan
	sub.BillingInterval = subscription.IntervalFor(plan)

	setIfPresent(&sub.UserEmail, meta.UserEmail)
	setIfPresent(&sub.SubscriptionID, meta.SubscriptionID)
	setIfPresent(&sub.CustomerID, attrs.CustomerID)
	setIfPresent(&sub.OrderID, attrs.OrderID)
	setIfPresent(&sub.ProductID, attrs.ProductID)
	setIfPresent(&sub.VariantID, attrs.VariantID)
	setIfPresent(&sub.CustomerPortalURL, attrs.CustomerPortalURL)
	setIfPresent(&sub.UpdatePaymentMethodURL, attrs.UpdatePaymentMethodURL)

	// period fields are copied verbatim, nulls included
	sub.CurrentPeriodStart = copyTime(attrs.CurrentPeriodStart)
	sub.CurrentPeriodEnd = copyTime(attrs.CurrentPeriodEnd)
	if sub.CurrentPeriodEnd == nil {
		sub.CurrentPeriodEnd = copyTime(attrs.RenewsAt)
	}
	sub.TrialEndsAt = copyTime(attrs.TrialEndsAt)
	sub.RenewsAt = copyTime(attrs.RenewsAt)
	sub.EndsAt = copyTime(attrs.EndsAt)

	syncPause(sub, attrs.Pause, now)
}

// syncPause mirrors the provider's pause state. A pause already recorded
// locally keeps its start date.
func syncPause(sub *subscription.Subscription, p *Pause, now time.Time) {
	if p == nil {
		if sub.IsPaused {
			sub.ClearPause()
		}
		return
	}

	start := now
	if sub.IsPaused && sub.PauseStartDate != nil {
		start = *sub.PauseStartDate
	}
	if p.ResumesAt != nil {
		sub.SetPause(start, *p.ResumesAt)
		return
	}
	// open-ended pause
	sub.IsPaused = true
	sub.PauseStartDate = &start
	sub.PauseEndDate = nil
	sub.PauseDurationDays = 0
}

func changedHistory(created bool, prev, next *subscription.Subscription) []*subscription.HistoryEvent {
	var out []*subscription.HistoryEvent
	isNew := prev.Version == 0

	switch {
	case isNew || (created && prev.SubscriptionID != next.SubscriptionID):
		out = append(out, &subscription.HistoryEvent{
			UserID:      next.UserID,
			EventType:   subscription.EventSubscribed,
			Description: fmt.Sprintf("Subscribed to the %s plan", next.PlanType),
			FromPlan:    prev.EffectivePlan(),
			ToPlan:      next.PlanType,
			Metadata:    map[string]any{"status": string(next.Status)},
		})
	case prev.PlanType != "" && prev.PlanType != next.PlanType:
		et := subscription.EventUpgraded
		if planRank(next.PlanType) < planRank(prev.PlanType) {
			et = subscription.EventDowngraded
		}
		out = append(out, &subscription.HistoryEvent{
			UserID:      next.UserID,
			EventType:   et,
			Description: fmt.Sprintf("Plan changed from %s to %s", prev.PlanType, next.PlanType),
			FromPlan:    prev.PlanType,
			ToPlan:      next.PlanType,
		})
	}

	if !isNew && prev.IsPaused != next.IsPaused {
		if next.IsPaused {
			out = append(out, &subscription.HistoryEvent{
				UserID:      next.UserID,
				EventType:   subscription.EventPaused,
				Description: "Subscription paused by the billing provider",
				FromPlan:    next.PlanType,
				ToPlan:      next.PlanType,
				Metadata:    map[string]any{"resumes_at": formatTime(next.PauseEndDate)},
			})
		} else {
			out = append(out, &subscription.HistoryEvent{
				UserID:      next.UserID,
				EventType:   subscription.EventResumed,
				Description: "Subscription resumed by the billing provider",
				FromPlan:    next.PlanType,
				ToPlan:      next.PlanType,
			})
		}
	}
	return out
}

func planRank(p subscription.PlanType) int {
	switch p {
	case subscription.PlanAnnual:
		return 2
	case subscription.PlanPro:
		return 1
	}
	return 0
}

func isStale(sub *subscription.Subscription, occurredAt *time.Time) bool {
	return occurredAt != nil && sub.ProviderUpdatedAt != nil && occurredAt.Before(*sub.ProviderUpdatedAt)
}

func setIfPresent(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
