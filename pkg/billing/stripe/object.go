package stripe

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// decodeSubscription reads a subscription from an event's data.object.
func decodeSubscription(raw []byte) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func firstItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}

func customerID(sub *stripe.Subscription) string {
	if sub.Customer == nil {
		return ""
	}
	return sub.Customer.ID
}

// status folds Stripe's cancel-at-period-end and collection pause flags into
// the status vocabulary the dispatcher understands.
func status(sub *stripe.Subscription) string {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		if sub.CancelAtPeriodEnd || sub.CancelAt > 0 {
			return "cancelled"
		}
		if sub.PauseCollection != nil {
			return "paused"
		}
	}
	return string(sub.Status)
}

// toAttributes maps a subscription onto billing.Attributes. Billing periods
// live on the subscription items.
func toAttributes(sub *stripe.Subscription) billing.Attributes {
	attrs := billing.Attributes{
		Status:      status(sub),
		CustomerID:  customerID(sub),
		TrialEndsAt: unixTime(sub.TrialEnd),
	}

	var periodEnd int64
	if item := firstItem(sub); item != nil {
		if item.Price != nil {
			attrs.VariantID = item.Price.ID
			if item.Price.Product != nil {
				attrs.ProductID = item.Price.Product.ID
			}
		}
		periodEnd = item.CurrentPeriodEnd
		attrs.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		attrs.CurrentPeriodEnd = unixTime(periodEnd)
	}

	switch {
	case sub.EndedAt > 0:
		attrs.EndsAt = unixTime(sub.EndedAt)
	case sub.CancelAt > 0:
		attrs.EndsAt = unixTime(sub.CancelAt)
	case sub.CancelAtPeriodEnd:
		attrs.EndsAt = unixTime(periodEnd)
	default:
		attrs.RenewsAt = unixTime(periodEnd)
	}

	if sub.PauseCollection != nil {
		attrs.Pause = &billing.Pause{
			Mode:      string(sub.PauseCollection.Behavior),
			ResumesAt: unixTime(sub.PauseCollection.ResumesAt),
		}
	}
	return attrs
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// invoiceSubscriptionID finds the subscription an invoice belongs to. Current
// API versions carry it under parent.subscription_details; older ones put it
// at the top level, which the SDK type no longer has.
func invoiceSubscriptionID(raw []byte) string {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return ""
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil &&
		inv.Parent.SubscriptionDetails.Subscription != nil {
		return inv.Parent.SubscriptionDetails.Subscription.ID
	}

	var rawData map[string]any
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}
	switch v := rawData["subscription"].(type) {
	case string:
		return v
	case map[string]any:
		id, _ := v["id"].(string)
		return id
	}
	return ""
}
