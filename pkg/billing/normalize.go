package billing

import (
	"fmt"
	"strings"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// MapStatus maps a provider status string onto the internal enumeration.
// It is total: anything unrecognized becomes StatusInactive.
func MapStatus(status string) subscription.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return subscription.StatusActive
	case "on_trial", "trialing":
		return subscription.StatusOnTrial
	case "paused":
		return subscription.StatusPaused
	case "past_due", "unpaid":
		return subscription.StatusPastDue
	case "cancelled", "canceled":
		return subscription.StatusCancelled
	case "expired", "incomplete_expired":
		return subscription.StatusExpired
	default:
		return subscription.StatusInactive
	}
}

// UnmappedPolicy decides what happens to change events whose variant matches
// no configured plan.
type UnmappedPolicy string

const (
	// UnmappedQuarantine acknowledges the event, logs it at error level and
	// writes nothing.
	UnmappedQuarantine UnmappedPolicy = "quarantine"
	// UnmappedDefaultPro classifies the variant as monthly pro and warns.
	UnmappedDefaultPro UnmappedPolicy = "default_pro"
)

// PlanMapping maps provider variant (price) identifiers onto plans.
type PlanMapping struct {
	MonthlyVariantID           string
	AnnualVariantID            string
	DiscountedMonthlyVariantID string
	Unmapped                   UnmappedPolicy
}

// MapPlan classifies a variant id by exact match. It always returns a plan;
// for unknown ids that plan is PlanPro and the error wraps ErrUnmappedVariant.
func (m PlanMapping) MapPlan(variantID string) (subscription.PlanType, error) {
	switch {
	case variantID == "":
	case variantID == m.AnnualVariantID:
		return subscription.PlanAnnual, nil
	case variantID == m.MonthlyVariantID, variantID == m.DiscountedMonthlyVariantID:
		return subscription.PlanPro, nil
	}
	return subscription.PlanPro, fmt.Errorf("%w: %q", ErrUnmappedVariant, variantID)
}

// VariantFor returns the configured variant id for a plan.
func (m PlanMapping) VariantFor(plan subscription.PlanType) string {
	switch plan {
	case subscription.PlanAnnual:
		return m.AnnualVariantID
	case subscription.PlanPro:
		return m.MonthlyVariantID
	}
	return ""
}

// Policy returns the effective unmapped-variant policy.
func (m PlanMapping) Policy() UnmappedPolicy {
	if m.Unmapped == "" {
		return UnmappedQuarantine
	}
	return m.Unmapped
}

// Validate checks that the monthly and annual ids are set and distinct.
func (m PlanMapping) Validate() error {
	if m.MonthlyVariantID == "" || m.AnnualVariantID == "" {
		return fmt.Errorf("%w: monthly and annual variant ids are required", ErrProviderNotConfigured)
	}
	if m.MonthlyVariantID == m.AnnualVariantID {
		return fmt.Errorf("%w: monthly and annual variant ids must differ", ErrProviderNotConfigured)
	}
	switch m.Policy() {
	case UnmappedQuarantine, UnmappedDefaultPro:
	default:
		return fmt.Errorf("%w: unknown unmapped variant policy %q", ErrProviderNotConfigured, m.Unmapped)
	}
	return nil
}
