package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Action names used in logs, metrics and persistence errors.
const (
	ActionUpgrade           = "upgrade"
	ActionPause             = "pause"
	ActionResume            = "resume"
	ActionApplyDiscount     = "apply_discount"
	ActionRemoveDiscount    = "remove_discount"
	ActionSyncDiscount      = "sync_discount_price"
	ActionExpireDiscount    = "expire_discount"
	ActionScheduleDowngrade = "schedule_downgrade"
	ActionCancelDowngrade   = "cancel_downgrade"
	ActionExecuteDowngrade  = "execute_downgrade"
)

// Upgrade moves a monthly subscription to the annual plan, invoicing the
// prorated difference right away.
func (s *Service) Upgrade(ctx context.Context, userID string) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionUpgrade, err) }()

	current, err := s.loadLinked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.PlanType == subscription.PlanAnnual {
		return nil, precondition(CodeAlreadyAnnual, "subscription is already on the annual plan")
	}
	variant := s.plans.AnnualVariantID
	if variant == "" {
		return nil, precondition(CodePlanNotConfigured, "annual plan is not configured")
	}

	remote, err := s.callProvider(ctx, ActionUpgrade, func(ctx context.Context) (*billing.RemoteSubscription, error) {
		return s.client.UpdateSubscription(ctx, current.SubscriptionID, billing.UpdateRequest{
			VariantID:          variant,
			InvoiceImmediately: true,
		})
	})
	if err != nil {
		return nil, err
	}

	fromPlan := current.PlanType
	saved, err := s.commit(ctx, ActionUpgrade, current, remote, func(sub *subscription.Subscription) error {
		sub.PlanType = subscription.PlanAnnual
		sub.BillingInterval = subscription.IntervalYear
		sub.VariantID = variant
		applyRemote(sub, remote)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:      userID,
		EventType:   subscription.EventUpgraded,
		Description: "Upgraded from monthly to annual billing",
		FromPlan:    fromPlan,
		ToPlan:      subscription.PlanAnnual,
		AmountCents: amount(s.pricing.AnnualCents),
		Currency:    s.pricing.Currency,
	})
	return saved, nil
}

// Pause pauses billing for PauseMonths calendar months. The resume date sent
// to the provider is the one stored locally, truncated to whole seconds since
// providers carry second precision.
func (s *Service) Pause(ctx context.Context, userID string) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionPause, err) }()

	current, err := s.loadLinked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.IsPaused {
		return nil, precondition(CodeAlreadyPaused, "subscription is already paused")
	}

	start := s.manager.Now().Truncate(time.Second)
	resumesAt := subscription.AddMonthsClamped(start, PauseMonths)

	remote, err := s.callProvider(ctx, ActionPause, func(ctx context.Context) (*billing.RemoteSubscription, error) {
		return s.client.PauseSubscription(ctx, current.SubscriptionID, billing.PauseRequest{
			Mode:      billing.PauseModeVoid,
			ResumesAt: resumesAt,
		})
	})
	if err != nil {
		return nil, err
	}

	saved, err := s.commit(ctx, ActionPause, current, remote, func(sub *subscription.Subscription) error {
		sub.SetPause(start, resumesAt)
		sub.Status = subscription.StatusPaused
		applyRemote(sub, remote)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:      userID,
		EventType:   subscription.EventPaused,
		Description: fmt.Sprintf("Subscription paused until %s", formatDate(resumesAt)),
		FromPlan:    saved.PlanType,
		ToPlan:      saved.PlanType,
		Metadata: map[string]any{
			"resumes_at":    resumesAt.UTC().Format(time.RFC3339),
			"duration_days": saved.PauseDurationDays,
		},
	})
	return saved, nil
}

// Resume removes a pause. The status becomes whatever the provider reports.
func (s *Service) Resume(ctx context.Context, userID string) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionResume, err) }()

	current, err := s.loadLinked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !current.IsPaused && current.Status != subscription.StatusPaused {
		return nil, precondition(CodeNotPaused, "subscription is not paused")
	}

	remote, err := s.callProvider(ctx, ActionResume, func(ctx context.Context) (*billing.RemoteSubscription, error) {
		return s.client.UnpauseSubscription(ctx, current.SubscriptionID)
	})
	if err != nil {
		return nil, err
	}

	saved, err := s.commit(ctx, ActionResume, current, remote, func(sub *subscription.Subscription) error {
		sub.ClearPause()
		if remote.Attributes.Status != "" {
			sub.Status = billing.MapStatus(remote.Attributes.Status)
		} else if sub.Status == subscription.StatusPaused {
			sub.Status = subscription.StatusActive
		}
		applyRemote(sub, remote)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:      userID,
		EventType:   subscription.EventResumed,
		Description: "Subscription resumed",
		FromPlan:    saved.PlanType,
		ToPlan:      saved.PlanType,
	})
	return saved, nil
}

// ApplyDiscount records a DiscountPercent discount for DiscountMonths months
// and then tries to move the provider to the discounted price. The discount
// is kept locally even when the provider switch fails; ProviderPriceSynced
// reports whether it went through and the sweeper retries until it does.
func (s *Service) ApplyDiscount(ctx context.Context, userID, reason string) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionApplyDiscount, err) }()

	current, err := s.loadLinked(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.manager.Now()
	if current.DiscountActive(now) {
		return nil, precondition(CodeDiscountActive, "a discount is already active until %s",
			formatDate(*current.DiscountEndDate))
	}

	original := s.pricing.PriceFor(current.PlanType)
	discount := subscription.Discount{
		Percentage:           DiscountPercent,
		Start:                now,
		End:                  subscription.AddMonthsClamped(now, DiscountMonths),
		Reason:               reason,
		OriginalPriceCents:   original,
		DiscountedPriceCents: original * (100 - DiscountPercent) / 100,
	}

	saved, err := s.save(ctx, current, func(sub *subscription.Subscription) error {
		if sub.DiscountActive(now) {
			return precondition(CodeDiscountActive, "a discount is already active")
		}
		sub.SetDiscount(discount)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:      userID,
		EventType:   subscription.EventDiscountApplied,
		Description: fmt.Sprintf("%d%% discount applied until %s", DiscountPercent, formatDate(discount.End)),
		FromPlan:    saved.PlanType,
		ToPlan:      saved.PlanType,
		AmountCents: amount(discount.DiscountedPriceCents),
		Currency:    s.pricing.Currency,
		Metadata: map[string]any{
			"reason":               reason,
			"original_price_cents": original,
			"discount_end_date":    formatDate(discount.End),
		},
	})

	synced, err := s.syncDiscount(ctx, saved)
	if err != nil {
		s.logger.Warn("discount recorded locally but provider price not switched",
			subscription.F("user_id", userID),
			subscription.F("subscription_id", saved.SubscriptionID),
			subscription.F("error", err.Error()),
		)
		return saved, nil
	}
	return synced, nil
}

// SyncDiscountPrice retries the provider-side price switch for an active,
// unsynced discount.
func (s *Service) SyncDiscountPrice(ctx context.Context, userID string) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionSyncDiscount, err) }()

	current, err := s.loadLinked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !current.DiscountActive(s.manager.Now()) {
		return nil, precondition(CodeNoDiscount, "no active discount")
	}
	return s.syncDiscount(ctx, current)
}

func (s *Service) syncDiscount(ctx context.Context, current *subscription.Subscription) (*subscription.Subscription, error) {
	if current.ProviderPriceSynced {
		return current, nil
	}

	// Annual subscriptions and setups without a discounted variant are
	// tracked locally only; there is nothing to switch.
	variant := s.plans.DiscountedMonthlyVariantID
	if variant == "" || current.PlanType == subscription.PlanAnnual || current.VariantID == variant {
		return s.save(ctx, current, func(sub *subscription.Subscription) error {
			sub.ProviderPriceSynced = true
			return nil
		})
	}

	remote, err := s.callProvider(ctx, ActionSyncDiscount, func(ctx context.Context) (*billing.RemoteSubscription, error) {
		return s.client.UpdateSubscription(ctx, current.SubscriptionID, billing.UpdateRequest{
			VariantID:         variant,
			DisableProrations: true,
		})
	})
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, ActionSyncDiscount, current, remote, func(sub *subscription.Subscription) error {
		sub.VariantID = variant
		sub.ProviderPriceSynced = true
		applyRemote(sub, remote)
		return nil
	})
}

// RemoveDiscount clears the discount and, best effort, moves the provider
// back to the regular monthly price.
func (s *Service) RemoveDiscount(ctx context.Context, userID string) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionRemoveDiscount, err) }()

	current, err := s.loadLinked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !current.HasDiscount() {
		return nil, precondition(CodeNoDiscount, "subscription has no discount")
	}
	return s.clearDiscount(ctx, ActionRemoveDiscount, current, subscription.EventDiscountRemoved, "Discount removed")
}

// ExpireDiscount clears a discount whose window has ended. Used by the
// sweeper; rows whose discount is still running are left untouched. When the
// provider is still on the discounted price and the revert fails, the
// discount is kept so the next sweep selects the row again.
func (s *Service) ExpireDiscount(ctx context.Context, current *subscription.Subscription) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionExpireDiscount, err) }()

	if !current.HasDiscount() || current.DiscountActive(s.manager.Now()) {
		return current, nil
	}
	return s.clearDiscount(ctx, ActionExpireDiscount, current, subscription.EventDiscountExpired, "Discount period ended")
}

func (s *Service) clearDiscount(ctx context.Context, action string, current *subscription.Subscription, eventType subscription.HistoryEventType, description string) (*subscription.Subscription, error) {
	variantID := current.VariantID
	if discounted := s.plans.DiscountedMonthlyVariantID; discounted != "" && current.VariantID == discounted && current.SubscriptionID != "" {
		remote, err := s.callProvider(ctx, action, func(ctx context.Context) (*billing.RemoteSubscription, error) {
			return s.client.UpdateSubscription(ctx, current.SubscriptionID, billing.UpdateRequest{
				VariantID:         s.plans.MonthlyVariantID,
				DisableProrations: true,
			})
		})
		if err != nil {
			s.logger.Warn("failed to restore regular price at the provider",
				subscription.F("user_id", current.UserID),
				subscription.F("subscription_id", current.SubscriptionID),
				subscription.F("action", action),
				subscription.F("error", err.Error()),
			)
			if action == ActionExpireDiscount {
				return nil, err
			}
		} else {
			variantID = s.plans.MonthlyVariantID
			if remote.Attributes.VariantID != "" {
				variantID = remote.Attributes.VariantID
			}
		}
	}

	percentage := current.DiscountPercentage
	saved, err := s.save(ctx, current, func(sub *subscription.Subscription) error {
		sub.ClearDiscount()
		sub.VariantID = variantID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:      current.UserID,
		EventType:   eventType,
		Description: description,
		FromPlan:    saved.PlanType,
		ToPlan:      saved.PlanType,
		Metadata: map[string]any{
			"discount_percentage": percentage,
			"source":              sourceFor(action),
		},
	})
	return saved, nil
}

// ScheduleDowngrade schedules a switch from annual to monthly at the end of
// the current period. Nothing changes at the provider until the sweeper runs
// it, and no refund or credit is given for the unused annual time.
func (s *Service) ScheduleDowngrade(ctx context.Context, userID string) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionScheduleDowngrade, err) }()

	current, err := s.loadLinked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.PlanType != subscription.PlanAnnual {
		return nil, precondition(CodeNotAnnual, "only annual subscriptions can be downgraded")
	}
	if current.DowngradeScheduled() {
		return nil, precondition(CodeDowngradeScheduled, "a downgrade is already scheduled for %s",
			formatDate(*current.ScheduledDowngradeDate))
	}
	periodEnd := current.PeriodEnd()
	if periodEnd == nil {
		return nil, precondition(CodeNoPeriodEnd, "current billing period end is unknown")
	}
	at := *periodEnd

	saved, err := s.save(ctx, current, func(sub *subscription.Subscription) error {
		sub.ScheduleDowngrade(subscription.PlanPro, at)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:    userID,
		EventType: subscription.EventDowngradeScheduled,
		Description: fmt.Sprintf("Downgrade to monthly scheduled for %s. No refund or credit applies to the remaining annual period.",
			formatDate(at)),
		FromPlan: subscription.PlanAnnual,
		ToPlan:   subscription.PlanPro,
		Metadata: map[string]any{
			"scheduled_date": formatDate(at),
			"refund":         false,
		},
	})
	return saved, nil
}

// CancelScheduledDowngrade drops a pending downgrade.
func (s *Service) CancelScheduledDowngrade(ctx context.Context, userID string) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionCancelDowngrade, err) }()

	current, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !current.DowngradeScheduled() {
		return nil, precondition(CodeNoDowngradeScheduled, "no downgrade is scheduled")
	}
	scheduled := *current.ScheduledDowngradeDate

	saved, err := s.save(ctx, current, func(sub *subscription.Subscription) error {
		sub.ClearScheduledDowngrade()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:      userID,
		EventType:   subscription.EventDowngradeCancelled,
		Description: "Scheduled downgrade to monthly cancelled",
		FromPlan:    saved.PlanType,
		ToPlan:      saved.PlanType,
		Metadata:    map[string]any{"scheduled_date": formatDate(scheduled)},
	})
	return saved, nil
}

// dropEndedDowngrade clears the schedule of a subscription that was cancelled
// or expired before its downgrade came due. The provider is not called.
func (s *Service) dropEndedDowngrade(ctx context.Context, current *subscription.Subscription) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionCancelDowngrade, err) }()

	if !current.DowngradeScheduled() {
		return current, nil
	}
	scheduled := *current.ScheduledDowngradeDate

	saved, err := s.save(ctx, current, func(sub *subscription.Subscription) error {
		sub.ClearScheduledDowngrade()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:      current.UserID,
		EventType:   subscription.EventDowngradeCancelled,
		Description: fmt.Sprintf("Scheduled downgrade dropped; subscription is %s", current.Status),
		FromPlan:    saved.PlanType,
		ToPlan:      saved.PlanType,
		Metadata: map[string]any{
			"scheduled_date": formatDate(scheduled),
			"source":         "sweeper",
		},
	})
	return saved, nil
}

func subscriptionEnded(sub *subscription.Subscription) bool {
	return sub.Status == subscription.StatusCancelled || sub.Status == subscription.StatusExpired
}

// ExecuteDowngrade performs a due downgrade: it switches the provider to the
// monthly variant without an immediate invoice, then clears the schedule.
// The schedule is only cleared after the provider accepted the change, so a
// failed run is retried by the next sweep.
func (s *Service) ExecuteDowngrade(ctx context.Context, current *subscription.Subscription) (sub *subscription.Subscription, err error) {
	defer func() { s.observe(ActionExecuteDowngrade, err) }()

	now := s.manager.Now()
	if !current.DowngradeScheduled() || current.ScheduledDowngradeDate.After(now) {
		return nil, precondition(CodeDowngradeNotScheduled, "no downgrade is due")
	}
	if subscriptionEnded(current) {
		return nil, precondition(CodeSubscriptionEnded, "subscription is %s", current.Status)
	}
	if !current.ProviderLinked() {
		return nil, precondition(CodeNotProviderLinked, "subscription has no provider id")
	}
	variant := s.plans.VariantFor(current.ScheduledDowngradeTo)
	if variant == "" {
		return nil, precondition(CodePlanNotConfigured, "no variant configured for plan %s", current.ScheduledDowngradeTo)
	}

	remote, err := s.callProvider(ctx, ActionExecuteDowngrade, func(ctx context.Context) (*billing.RemoteSubscription, error) {
		return s.client.UpdateSubscription(ctx, current.SubscriptionID, billing.UpdateRequest{
			VariantID:         variant,
			DisableProrations: true,
		})
	})
	if err != nil {
		return nil, err
	}

	fromPlan := current.PlanType
	toPlan := current.ScheduledDowngradeTo
	saved, err := s.commit(ctx, ActionExecuteDowngrade, current, remote, func(sub *subscription.Subscription) error {
		sub.ClearScheduledDowngrade()
		sub.PlanType = toPlan
		sub.BillingInterval = subscription.IntervalFor(toPlan)
		sub.VariantID = variant
		applyRemote(sub, remote)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &subscription.HistoryEvent{
		UserID:      current.UserID,
		EventType:   subscription.EventDowngraded,
		Description: "Scheduled downgrade from annual to monthly completed",
		FromPlan:    fromPlan,
		ToPlan:      toPlan,
		AmountCents: amount(s.pricing.PriceFor(toPlan)),
		Currency:    s.pricing.Currency,
		Metadata:    map[string]any{"source": "sweeper"},
	})
	return saved, nil
}

func sourceFor(action string) string {
	if action == ActionExpireDiscount {
		return "sweeper"
	}
	return "user"
}
