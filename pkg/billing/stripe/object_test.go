package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const periodEnd = 1782892800 // 2026-07-01T08:00:00Z

func TestDecodeSubscription_Attributes(t *testing.T) {
	raw := []byte(`{
		"id": "sub_1",
		"object": "subscription",
		"status": "trialing",
		"customer": "cus_1",
		"metadata": {"user_id": "U", "user_email": "u@example.com"},
		"trial_end": 1782892800,
		"items": {"object": "list", "data": [{
			"id": "si_1",
			"current_period_start": 1780300800,
			"current_period_end": 1782892800,
			"price": {"id": "price_monthly", "product": {"id": "prod_1", "object": "product"}}
		}]}
	}`)

	sub, err := decodeSubscription(raw)
	require.NoError(t, err)
	assert.Equal(t, "U", sub.Metadata["user_id"])
	assert.Equal(t, "cus_1", customerID(sub))

	attrs := toAttributes(sub)
	assert.Equal(t, "trialing", attrs.Status)
	assert.Equal(t, "cus_1", attrs.CustomerID)
	assert.Equal(t, "price_monthly", attrs.VariantID)
	assert.Equal(t, "prod_1", attrs.ProductID)
	require.NotNil(t, attrs.RenewsAt)
	assert.Equal(t, time.Unix(periodEnd, 0).UTC(), *attrs.RenewsAt)
	assert.Equal(t, attrs.RenewsAt, attrs.CurrentPeriodEnd)
	assert.NotNil(t, attrs.CurrentPeriodStart)
	assert.NotNil(t, attrs.TrialEndsAt)
	assert.Nil(t, attrs.EndsAt)
	assert.Nil(t, attrs.Pause)
}

func TestToAttributes_ExpandedCustomer(t *testing.T) {
	sub, err := decodeSubscription([]byte(`{"id":"s","status":"active","customer":{"id":"cus_9","object":"customer"}}`))
	require.NoError(t, err)
	assert.Equal(t, "cus_9", toAttributes(sub).CustomerID)
}

func TestToAttributes_Status(t *testing.T) {
	const item = `"items":{"data":[{"id":"si_1","current_period_end":1782892800,"price":{"id":"price_monthly"}}]}`
	tests := []struct {
		name string
		raw  string
		want string
		ends bool
	}{
		{"active", `{"id":"s","status":"active",` + item + `}`, "active", false},
		{"cancel at period end", `{"id":"s","status":"active","cancel_at_period_end":true,` + item + `}`, "cancelled", true},
		{"cancel at", `{"id":"s","status":"trialing","cancel_at":1782892800}`, "cancelled", true},
		{"collection paused", `{"id":"s","status":"active","pause_collection":{"behavior":"void","resumes_at":1782892800}}`, "paused", false},
		{"canceled", `{"id":"s","status":"canceled","ended_at":1782892800}`, "canceled", true},
		{"unpaid", `{"id":"s","status":"unpaid"}`, "unpaid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := decodeSubscription([]byte(tt.raw))
			require.NoError(t, err)
			attrs := toAttributes(sub)
			assert.Equal(t, tt.want, attrs.Status)
			assert.Equal(t, tt.ends, attrs.EndsAt != nil)
		})
	}
}

func TestToAttributes_PauseCollection(t *testing.T) {
	sub, err := decodeSubscription([]byte(`{"id":"s","status":"active","pause_collection":{"behavior":"void","resumes_at":1782892800}}`))
	require.NoError(t, err)

	attrs := toAttributes(sub)
	require.NotNil(t, attrs.Pause)
	assert.Equal(t, "void", attrs.Pause.Mode)
	assert.Equal(t, time.Unix(periodEnd, 0).UTC(), *attrs.Pause.ResumesAt)
}

func TestInvoiceSubscriptionID(t *testing.T) {
	assert.Equal(t, "sub_1", invoiceSubscriptionID([]byte(`{"id":"in_1","subscription":"sub_1"}`)))
	assert.Equal(t, "sub_2", invoiceSubscriptionID([]byte(`{"id":"in_1","subscription":{"id":"sub_2"}}`)))
	assert.Equal(t, "sub_3", invoiceSubscriptionID([]byte(
		`{"id":"in_1","parent":{"type":"subscription_details","subscription_details":{"subscription":"sub_3"}}}`)))
	assert.Equal(t, "", invoiceSubscriptionID([]byte(`{"id":"in_1"}`)))
	assert.Equal(t, "", invoiceSubscriptionID([]byte(`nope`)))
}

func TestChangeEvent(t *testing.T) {
	sub, err := decodeSubscription([]byte(`{"id":"sub_1","status":"active","items":{"data":[{"id":"si_1","price":{"id":"price_annual"}}]}}`))
	require.NoError(t, err)
	env := billing.Envelope{SubscriptionID: "sub_1"}

	created := changeEvent("customer.subscription.created", env, sub).(*billing.SubscriptionChanged)
	assert.True(t, created.Created)
	assert.Equal(t, billing.EventSubscriptionCreated, created.Name)

	resumed := changeEvent("customer.subscription.resumed", env, sub).(*billing.SubscriptionChanged)
	assert.False(t, resumed.Created)
	assert.Equal(t, billing.EventSubscriptionUnpaused, resumed.Name)

	deleted := changeEvent("customer.subscription.deleted", env, sub)
	assert.IsType(t, &billing.SubscriptionExpired{}, deleted)

	empty, err := decodeSubscription([]byte(`{"id":"sub_1","status":"active"}`))
	require.NoError(t, err)
	assert.IsType(t, &billing.Unrecognized{}, changeEvent("customer.subscription.updated", env, empty))
}
