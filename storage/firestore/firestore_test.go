//go:build integration

package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

const testProjectID = "test-project"

var _ subscription.Store = (*Storage)(nil)

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// testConfig returns unique collection names for each test run
func testConfig(t *testing.T) Config {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	return Config{
		SubscriptionsCollection: "test_subs_" + suffix,
		ExternalIDsCollection:   "test_subids_" + suffix,
		SettingsCollection:      "test_settings_" + suffix,
		HistoryCollection:       "test_history_" + suffix,
	}
}

func cleanupFirestore(t *testing.T, client *firestore.Client, config Config) {
	t.Helper()
	ctx := context.Background()

	collections := []string{
		config.SubscriptionsCollection,
		config.ExternalIDsCollection,
		config.SettingsCollection,
		config.HistoryCollection,
	}
	for _, coll := range collections {
		iter := client.Collection(coll).Documents(ctx)
		bw := client.BulkWriter(ctx)
		for {
			doc, err := iter.Next()
			if err != nil {
				break
			}
			_, _ = bw.Delete(doc.Ref)
		}
		bw.End()
	}
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupFirestoreClient(t)
	config := testConfig(t)
	t.Cleanup(func() { cleanupFirestore(t, client, config) })

	storage, err := New(client, config)
	require.NoError(t, err)
	return storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	storage, err := New(&firestore.Client{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, "subscriptions", storage.subscriptionsCollection)
	assert.Equal(t, "subscription_ids", storage.externalIDsCollection)
	assert.Equal(t, "user_settings", storage.settingsCollection)
	assert.Equal(t, "subscription_history", storage.historyCollection)
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subscription.Store {
		return setupTestStorage(t)
	})
}

func TestGetHelpers(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	data := map[string]interface{}{
		"s":    "x",
		"i64":  int64(7),
		"f":    2.6,
		"b":    true,
		"t":    now,
		"zero": time.Time{},
		"nil":  nil,
	}

	assert.Equal(t, "x", getString(data, "s"))
	assert.Equal(t, "", getString(data, "missing"))
	assert.Equal(t, int64(7), getInt64(data, "i64"))
	assert.Equal(t, 3, getInt(data, "f"))
	assert.True(t, getBool(data, "b"))
	assert.False(t, getBool(data, "missing"))
	assert.Equal(t, now, getTime(data, "t"))
	require.NotNil(t, getOptionalTime(data, "t"))
	assert.Nil(t, getOptionalTime(data, "zero"))
	assert.Nil(t, getOptionalTime(data, "nil"))
	assert.Nil(t, optionalTime(nil))
	assert.Equal(t, now, optionalTime(&now))
}

func TestSubscriptionDataRoundTrip(t *testing.T) {
	end := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	sub := &subscription.Subscription{
		UserID:          "u1",
		Status:          subscription.StatusActive,
		PlanType:        subscription.PlanAnnual,
		BillingInterval: subscription.IntervalYear,
		SubscriptionID:  "sub_1",
		VariantID:       "222",
	}
	sub.SetDiscount(subscription.Discount{Percentage: 50, Start: end.AddDate(0, -3, 0), End: end, OriginalPriceCents: 9999})

	data := subscriptionData(sub)
	assert.Nil(t, data["scheduledDowngradeDate"])

	got := subscriptionFromData("u1", data)
	assert.Equal(t, subscription.PlanAnnual, got.PlanType)
	assert.Equal(t, 50, got.DiscountPercentage)
	assert.Equal(t, int64(9999), got.OriginalPriceCents)
	require.NotNil(t, got.DiscountEndDate)
	assert.True(t, got.DiscountEndDate.Equal(end))
	assert.Nil(t, got.ScheduledDowngradeDate)
}
