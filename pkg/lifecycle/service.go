// Package lifecycle implements the user-initiated subscription actions:
// upgrade, pause and resume, discounts and scheduled downgrades.
//
// Every action that touches the provider calls it first and writes locally
// only after the provider accepted the change. Webhooks confirming the change
// later overwrite the row with the same values.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	defaultProviderTimeout = 15 * time.Second

	// PauseMonths is the fixed length of a user-initiated pause.
	PauseMonths = 3
	// DiscountMonths is the fixed length of a discount window.
	DiscountMonths = 3
	// DiscountPercent is the fixed discount rate.
	DiscountPercent = 50
)

// Pricing holds the list prices recorded in history and used to compute
// discounts.
type Pricing struct {
	MonthlyCents int64
	AnnualCents  int64
	Currency     string
}

// DefaultPricing is $9.99 a month or $99.99 a year.
var DefaultPricing = Pricing{MonthlyCents: 999, AnnualCents: 9999, Currency: "USD"}

// PriceFor returns the list price of a plan.
func (p Pricing) PriceFor(plan subscription.PlanType) int64 {
	if plan == subscription.PlanAnnual {
		return p.AnnualCents
	}
	return p.MonthlyCents
}

// Config configures a Service.
type Config struct {
	Manager *subscription.Manager
	Client  billing.Client
	Plans   billing.PlanMapping

	// Pricing defaults to DefaultPricing.
	Pricing Pricing

	// ProviderTimeout bounds every provider call. A call that times out is
	// treated as failed. Defaults to 15s.
	ProviderTimeout time.Duration

	Logger  subscription.Logger
	Metrics billing.Metrics
}

// Service runs lifecycle actions for a single user at a time.
type Service struct {
	manager *subscription.Manager
	client  billing.Client
	plans   billing.PlanMapping
	pricing Pricing
	timeout time.Duration
	logger  subscription.Logger
	metrics billing.Metrics
}

// NewService creates a new lifecycle service.
func NewService(config Config) (*Service, error) {
	if config.Manager == nil {
		return nil, errors.New("lifecycle: manager is required")
	}
	if config.Client == nil {
		return nil, errors.New("lifecycle: billing client is required")
	}
	if config.Pricing == (Pricing{}) {
		config.Pricing = DefaultPricing
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaultProviderTimeout
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}

	return &Service{
		manager: config.Manager,
		client:  config.Client,
		plans:   config.Plans,
		pricing: config.Pricing,
		timeout: config.ProviderTimeout,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Status returns the caller's subscription and projection row. The
// projection is nil when it has never been written.
func (s *Service) Status(ctx context.Context, userID string) (*subscription.Subscription, *subscription.UserSettings, error) {
	sub, err := s.load(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	settings, err := s.manager.Settings(ctx, userID)
	if err != nil && !errors.Is(err, subscription.ErrSettingsNotFound) {
		return nil, nil, err
	}
	return sub, settings, nil
}

// History returns the caller's history newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*subscription.HistoryEvent, error) {
	return s.manager.History().List(ctx, userID, limit)
}

func (s *Service) load(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := s.manager.Get(ctx, userID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

func (s *Service) loadLinked(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.ProviderLinked() {
		return nil, precondition(CodeNotProviderLinked,
			"subscription was purchased through an app store and must be managed there")
	}
	return sub, nil
}

// callProvider runs fn with the provider timeout.
func (s *Service) callProvider(ctx context.Context, action string, fn func(ctx context.Context) (*billing.RemoteSubscription, error)) (*billing.RemoteSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	remote, err := fn(ctx)
	if err != nil {
		return nil, upstream(action, err)
	}
	if remote == nil {
		remote = &billing.RemoteSubscription{}
	}
	return remote, nil
}

// commit writes fn after a successful provider call. A failed primary write
// is logged for manual reconciliation; a failed projection is left to the
// next webhook.
func (s *Service) commit(ctx context.Context, action string, sub *subscription.Subscription, remote *billing.RemoteSubscription, fn subscription.MutateFunc) (*subscription.Subscription, error) {
	saved, err := s.manager.Mutate(ctx, sub, fn)
	if err == nil {
		return saved, nil
	}
	if saved != nil && errors.Is(err, subscription.ErrProjectionFailed) {
		s.logger.Warn("user settings projection stale after lifecycle action",
			subscription.F("user_id", sub.UserID),
			subscription.F("action", action),
		)
		return saved, nil
	}

	s.metrics.RecordReconciliationFailure(action)
	s.logger.Error("local write failed after provider success; manual reconciliation required",
		subscription.F("user_id", sub.UserID),
		subscription.F("action", action),
		subscription.F("subscription_id", sub.SubscriptionID),
		subscription.F("provider_response", describeRemote(remote)),
		subscription.F("error", err.Error()),
	)
	return nil, &PersistenceError{
		Action:         action,
		UserID:         sub.UserID,
		SubscriptionID: sub.SubscriptionID,
		Err:            err,
	}
}

// save writes a change that involves no provider call.
func (s *Service) save(ctx context.Context, sub *subscription.Subscription, fn subscription.MutateFunc) (*subscription.Subscription, error) {
	saved, err := s.manager.Mutate(ctx, sub, fn)
	if err != nil && !(saved != nil && errors.Is(err, subscription.ErrProjectionFailed)) {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return saved, nil
}

// record appends a history entry. History is a side effect: failures are
// logged by the history logger and never fail the action.
func (s *Service) record(ctx context.Context, event *subscription.HistoryEvent) {
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	if _, ok := event.Metadata["source"]; !ok {
		event.Metadata["source"] = "user"
	}
	_ = s.manager.History().Log(ctx, event)
}

func (s *Service) observe(action string, err error) {
	s.metrics.RecordLifecycleAction(action, outcome(err))
}

// applyRemote copies the provider's view of the billing period onto sub.
// Absent fields leave the local value untouched.
func applyRemote(sub *subscription.Subscription, remote *billing.RemoteSubscription) {
	attrs := remote.Attributes
	if attrs.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = cloneTime(attrs.CurrentPeriodStart)
	}
	if attrs.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = cloneTime(attrs.CurrentPeriodEnd)
	} else if attrs.RenewsAt != nil {
		sub.CurrentPeriodEnd = cloneTime(attrs.RenewsAt)
	}
	if attrs.RenewsAt != nil {
		sub.RenewsAt = cloneTime(attrs.RenewsAt)
	}
	if attrs.VariantID != "" {
		sub.VariantID = attrs.VariantID
	}
	if remote.UpdatedAt != nil && (sub.ProviderUpdatedAt == nil || remote.UpdatedAt.After(*sub.ProviderUpdatedAt)) {
		sub.ProviderUpdatedAt = cloneTime(remote.UpdatedAt)
	}
}

func describeRemote(remote *billing.RemoteSubscription) map[string]any {
	out := map[string]any{
		"id":         remote.ID,
		"status":     remote.Attributes.Status,
		"variant_id": remote.Attributes.VariantID,
	}
	if remote.UpdatedAt != nil {
		out["updated_at"] = remote.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if remote.Attributes.Pause != nil {
		out["pause_mode"] = remote.Attributes.Pause.Mode
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func amount(cents int64) *int64 {
	return &cents
}
