// Package storagetest holds the behavior every subscription.Store backend
// must share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) subscription.Store

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func at(days int) *time.Time {
	t := base.AddDate(0, 0, days)
	return &t
}

func newSub(userID, subscriptionID string) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		Status:          subscription.StatusActive,
		PlanType:        subscription.PlanPro,
		BillingInterval: subscription.IntervalMonth,
		CustomerID:      "cus_" + userID,
		SubscriptionID:  subscriptionID,
		VariantID:       "100",
		RenewsAt:        at(30),
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("ExternalIDIndex", func(t *testing.T) { testExternalIDIndex(t, newStore(t)) })
	t.Run("DuplicateExternalID", func(t *testing.T) { testDuplicateExternalID(t, newStore(t)) })
	t.Run("SettingsTrialLatch", func(t *testing.T) { testSettingsTrialLatch(t, newStore(t)) })
	t.Run("HistoryNewestFirst", func(t *testing.T) { testHistoryNewestFirst(t, newStore(t)) })
	t.Run("FindDowngradesDue", func(t *testing.T) { testFindDowngradesDue(t, newStore(t)) })
	t.Run("FindDiscounts", func(t *testing.T) { testFindDiscounts(t, newStore(t)) })
}

func testGetMissing(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	_, err := store.GetSubscription(ctx, "nobody")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	_, err = store.GetSubscriptionByExternalID(ctx, "sub_missing")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	_, err = store.GetUserSettings(ctx, "nobody")
	assert.ErrorIs(t, err, subscription.ErrSettingsNotFound)

	history, err := store.ListHistory(ctx, "nobody", 20)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testInsertAndGet(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	sub := newSub("u1", "sub_1")
	sub.TrialEndsAt = at(7)
	sub.SetPause(base, base.AddDate(0, 3, 0))
	sub.SetDiscount(subscription.Discount{
		Percentage:           50,
		Start:                base,
		End:                  base.AddDate(0, 3, 0),
		Reason:               "retention",
		OriginalPriceCents:   999,
		DiscountedPriceCents: 499,
	})
	sub.CustomerPortalURL = "https://billing.example.com/portal"

	require.NoError(t, store.SaveSubscription(ctx, sub))
	assert.Equal(t, int64(1), sub.Version)

	got, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, subscription.StatusActive, got.Status)
	assert.Equal(t, subscription.PlanPro, got.PlanType)
	assert.Equal(t, subscription.IntervalMonth, got.BillingInterval)
	assert.Equal(t, "sub_1", got.SubscriptionID)
	assert.Equal(t, "cus_u1", got.CustomerID)
	assert.Equal(t, "100", got.VariantID)
	assert.Equal(t, "https://billing.example.com/portal", got.CustomerPortalURL)
	require.NotNil(t, got.RenewsAt)
	assert.True(t, got.RenewsAt.Equal(*sub.RenewsAt))
	require.NotNil(t, got.TrialEndsAt)
	assert.True(t, got.TrialEndsAt.Equal(*sub.TrialEndsAt))
	assert.Nil(t, got.EndsAt)
	assert.Nil(t, got.CurrentPeriodStart)

	assert.True(t, got.IsPaused)
	require.NotNil(t, got.PauseEndDate)
	assert.True(t, got.PauseEndDate.Equal(base.AddDate(0, 3, 0)))
	assert.Equal(t, sub.PauseDurationDays, got.PauseDurationDays)

	assert.Equal(t, 50, got.DiscountPercentage)
	assert.Equal(t, "retention", got.DiscountReason)
	assert.Equal(t, int64(999), got.OriginalPriceCents)
	assert.Equal(t, int64(499), got.DiscountedPriceCents)
	assert.False(t, got.ProviderPriceSynced)

	// update clears sub-state
	got.ClearPause()
	got.ClearDiscount()
	got.Status = subscription.StatusCancelled
	got.EndsAt = at(30)
	require.NoError(t, store.SaveSubscription(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	again, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
	assert.Equal(t, subscription.StatusCancelled, again.Status)
	assert.False(t, again.IsPaused)
	assert.Nil(t, again.PauseStartDate)
	assert.Nil(t, again.PauseEndDate)
	assert.Zero(t, again.PauseDurationDays)
	assert.Nil(t, again.DiscountEndDate)
	assert.Zero(t, again.DiscountPercentage)
	require.NotNil(t, again.EndsAt)
}

func testVersionConflict(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	sub := newSub("u1", "sub_1")
	require.NoError(t, store.SaveSubscription(ctx, sub))

	// insert-only write on an existing row
	dup := newSub("u1", "sub_1")
	assert.ErrorIs(t, store.SaveSubscription(ctx, dup), subscription.ErrVersionConflict)

	a, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	b, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)

	a.PlanType = subscription.PlanAnnual
	require.NoError(t, store.SaveSubscription(ctx, a))

	b.IsPaused = true
	assert.ErrorIs(t, store.SaveSubscription(ctx, b), subscription.ErrVersionConflict)
	assert.Equal(t, int64(1), b.Version)

	got, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, subscription.PlanAnnual, got.PlanType)
	assert.False(t, got.IsPaused)

	// conditional write on a row that does not exist
	ghost := newSub("u2", "sub_2")
	ghost.Version = 3
	assert.ErrorIs(t, store.SaveSubscription(ctx, ghost), subscription.ErrVersionConflict)
}

func testExternalIDIndex(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	sub := newSub("u1", "sub_1")
	require.NoError(t, store.SaveSubscription(ctx, sub))

	got, err := store.GetSubscriptionByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	// re-subscribing moves the correlation key
	got.SubscriptionID = "sub_1b"
	require.NoError(t, store.SaveSubscription(ctx, got))

	_, err = store.GetSubscriptionByExternalID(ctx, "sub_1")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	moved, err := store.GetSubscriptionByExternalID(ctx, "sub_1b")
	require.NoError(t, err)
	assert.Equal(t, "u1", moved.UserID)
}

func testDuplicateExternalID(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	require.NoError(t, store.SaveSubscription(ctx, newSub("u1", "sub_1")))
	err := store.SaveSubscription(ctx, newSub("u2", "sub_1"))
	assert.ErrorIs(t, err, subscription.ErrDuplicateSubscriptionID)

	_, err = store.GetSubscription(ctx, "u2")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	// rows without an external id never collide
	require.NoError(t, store.SaveSubscription(ctx, newSub("u3", "")))
	require.NoError(t, store.SaveSubscription(ctx, newSub("u4", "")))
}

func testSettingsTrialLatch(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	require.NoError(t, store.SaveUserSettings(ctx, &subscription.UserSettings{
		UserID:             "u1",
		SubscriptionStatus: subscription.StatusOnTrial,
		SubscriptionPlan:   subscription.PlanPro,
		SubscriptionID:     "sub_1",
		HasUsedTrial:       true,
		UpdatedAt:          base,
	}))

	ends := base.AddDate(0, 1, 0)
	require.NoError(t, store.SaveUserSettings(ctx, &subscription.UserSettings{
		UserID:             "u1",
		SubscriptionStatus: subscription.StatusCancelled,
		SubscriptionPlan:   subscription.PlanFree,
		SubscriptionEndsAt: &ends,
		SubscriptionID:     "sub_1",
		HasUsedTrial:       false,
		UpdatedAt:          base.Add(time.Hour),
	}))

	got, err := store.GetUserSettings(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.HasUsedTrial)
	assert.Equal(t, subscription.StatusCancelled, got.SubscriptionStatus)
	assert.Equal(t, subscription.PlanFree, got.SubscriptionPlan)
	require.NotNil(t, got.SubscriptionEndsAt)
	assert.True(t, got.SubscriptionEndsAt.Equal(ends))
}

func testHistoryNewestFirst(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	amount := int64(9999)
	types := []subscription.HistoryEventType{
		subscription.EventSubscribed,
		subscription.EventPaused,
		subscription.EventResumed,
	}
	for i, et := range types {
		require.NoError(t, store.AppendHistory(ctx, &subscription.HistoryEvent{
			ID:          string(et) + "-id",
			UserID:      "u1",
			EventType:   et,
			Description: string(et),
			FromPlan:    subscription.PlanPro,
			ToPlan:      subscription.PlanAnnual,
			AmountCents: &amount,
			Currency:    "USD",
			Metadata:    map[string]any{"step": "x"},
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.AppendHistory(ctx, &subscription.HistoryEvent{
		ID: "other", UserID: "u2", EventType: subscription.EventSubscribed, CreatedAt: base,
	}))

	events, err := store.ListHistory(ctx, "u1", 20)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, subscription.EventResumed, events[0].EventType)
	assert.Equal(t, subscription.EventPaused, events[1].EventType)
	assert.Equal(t, subscription.EventSubscribed, events[2].EventType)
	require.NotNil(t, events[0].AmountCents)
	assert.Equal(t, int64(9999), *events[0].AmountCents)
	assert.Equal(t, "USD", events[0].Currency)
	assert.Equal(t, subscription.PlanPro, events[0].FromPlan)
	assert.Equal(t, "x", events[0].Metadata["step"])

	limited, err := store.ListHistory(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, subscription.EventResumed, limited[0].EventType)
}

func testFindDowngradesDue(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	due := newSub("due", "sub_due")
	due.PlanType = subscription.PlanAnnual
	due.ScheduleDowngrade(subscription.PlanPro, base.AddDate(0, 0, -1))
	require.NoError(t, store.SaveSubscription(ctx, due))

	exact := newSub("exact", "sub_exact")
	exact.PlanType = subscription.PlanAnnual
	exact.ScheduleDowngrade(subscription.PlanPro, base)
	require.NoError(t, store.SaveSubscription(ctx, exact))

	later := newSub("later", "sub_later")
	later.PlanType = subscription.PlanAnnual
	later.ScheduleDowngrade(subscription.PlanPro, base.AddDate(0, 0, 1))
	require.NoError(t, store.SaveSubscription(ctx, later))

	require.NoError(t, store.SaveSubscription(ctx, newSub("none", "sub_none")))

	rows, err := store.FindSubscriptions(ctx, subscription.Query{
		Kind: subscription.QueryDowngradesDue,
		AsOf: base,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "due", rows[0].UserID)
	assert.Equal(t, "exact", rows[1].UserID)

	rows, err = store.FindSubscriptions(ctx, subscription.Query{
		Kind:  subscription.QueryDowngradesDue,
		AsOf:  base,
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "due", rows[0].UserID)
}

func testFindDiscounts(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	expired := newSub("expired", "sub_expired")
	expired.SetDiscount(subscription.Discount{
		Percentage: 50, Start: base.AddDate(0, -3, 0), End: base.AddDate(0, 0, -1),
	})
	expired.ProviderPriceSynced = true
	require.NoError(t, store.SaveSubscription(ctx, expired))

	pending := newSub("pending", "sub_pending")
	pending.SetDiscount(subscription.Discount{
		Percentage: 50, Start: base, End: base.AddDate(0, 3, 0),
	})
	require.NoError(t, store.SaveSubscription(ctx, pending))

	synced := newSub("synced", "sub_synced")
	synced.SetDiscount(subscription.Discount{
		Percentage: 50, Start: base, End: base.AddDate(0, 3, 0),
	})
	synced.ProviderPriceSynced = true
	require.NoError(t, store.SaveSubscription(ctx, synced))

	rows, err := store.FindSubscriptions(ctx, subscription.Query{
		Kind: subscription.QueryDiscountsExpired,
		AsOf: base,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "expired", rows[0].UserID)

	rows, err = store.FindSubscriptions(ctx, subscription.Query{
		Kind: subscription.QueryDiscountsUnsynced,
		AsOf: base,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "pending", rows[0].UserID)
}
