package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// ErrNoSubscription is returned when the caller has no subscription row.
var ErrNoSubscription = errors.New("no subscription found")

// Precondition codes. They are stable and safe to show to API clients.
const (
	CodeNotProviderLinked     = "not_provider_linked"
	CodeAlreadyAnnual         = "already_annual"
	CodeAlreadyPaused         = "already_paused"
	CodeNotPaused             = "not_paused"
	CodeDiscountActive        = "discount_active"
	CodeNoDiscount            = "no_discount"
	CodeNotAnnual             = "not_annual"
	CodeDowngradeScheduled    = "downgrade_already_scheduled"
	CodeNoDowngradeScheduled  = "no_downgrade_scheduled"
	CodeNoPeriodEnd           = "no_period_end"
	CodePlanNotConfigured     = "plan_not_configured"
	CodeDowngradeNotScheduled = "downgrade_not_due"
	CodeSubscriptionEnded     = "subscription_ended"
)

// PreconditionError is a business-rule violation. Nothing was changed.
type PreconditionError struct {
	Code    string
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

func precondition(code, format string, args ...any) *PreconditionError {
	return &PreconditionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// UpstreamError means the billing provider rejected or failed the call.
// Nothing was written locally. Detail is safe to relay to the caller.
type UpstreamError struct {
	Action string
	Detail string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: billing provider call failed: %v", e.Action, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstream(action string, err error) *UpstreamError {
	detail := "billing provider request failed"
	var apiErr *billing.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Detail != "":
		detail = apiErr.Detail
	case errors.Is(err, billing.ErrProviderUnavailable):
		detail = "billing provider temporarily unavailable"
	case errors.Is(err, billing.ErrProviderNotConfigured):
		detail = "billing provider not configured"
	}
	return &UpstreamError{Action: action, Detail: detail, Err: err}
}

// PersistenceError means the provider accepted a change but the local write
// failed. Local and provider state disagree until the next webhook or a
// manual fix.
type PersistenceError struct {
	Action         string
	UserID         string
	SubscriptionID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: local write failed after provider success for user %s: %v", e.Action, e.UserID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// outcome classifies err for metrics.
func outcome(err error) string {
	var (
		pre *PreconditionError
		up  *UpstreamError
		per *PersistenceError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &pre), errors.Is(err, ErrNoSubscription):
		return "precondition"
	case errors.As(err, &up):
		return "upstream_error"
	case errors.As(err, &per):
		return "persistence_error"
	}
	return "error"
}
