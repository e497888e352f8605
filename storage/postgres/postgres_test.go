//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

// setupTestStorage connects to POSTGRES_TEST_DSN and empties the tables.
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	config := DefaultConfig()
	config.ConnectionString = dsn
	config.AutoMigrate = true

	storage, err := New(ctx, config)
	if err != nil {
		t.Skipf("Skipping test: failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(storage.Close)

	_, err = storage.pool.Exec(ctx, "TRUNCATE TABLE subscriptions, user_settings, subscription_history")
	require.NoError(t, err)
	return storage
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subscription.Store {
		return setupTestStorage(t)
	})
}

func TestStorage_MigrateIsIdempotent(t *testing.T) {
	storage := setupTestStorage(t)
	require.NoError(t, storage.Migrate(context.Background()))
	require.NoError(t, storage.Migrate(context.Background()))
}

func TestStorage_NullExternalIDsDoNotCollide(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveSubscription(ctx, &subscription.Subscription{UserID: "a", Status: subscription.StatusActive, PlanType: subscription.PlanPro}))
	require.NoError(t, storage.SaveSubscription(ctx, &subscription.Subscription{UserID: "b", Status: subscription.StatusActive, PlanType: subscription.PlanPro}))

	_, err := storage.GetSubscriptionByExternalID(ctx, "")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
