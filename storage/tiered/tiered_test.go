package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

var _ subscription.Store = (*Storage)(nil)

// failingCache rejects every write; reads always miss.
type failingCache struct {
	*memory.Storage
}

var errCacheDown = errors.New("cache down")

func (failingCache) PutSubscription(context.Context, *subscription.Subscription) error {
	return errCacheDown
}

func (failingCache) PutUserSettings(context.Context, *subscription.UserSettings) error {
	return errCacheDown
}

func newSub(userID string) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:         userID,
		Status:         subscription.StatusActive,
		PlanType:       subscription.PlanPro,
		SubscriptionID: "sub_" + userID,
	}
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncCacheFill: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})

	t.Run("custom sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncCacheFill: true, SyncBufferSize: 500})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 500, cap(storage.syncQueue))
	})
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subscription.Store {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		require.NoError(t, err)
		t.Cleanup(func() { storage.Close() })
		return storage
	})
}

// --- Read-Through Strategy Tests ---

func TestStorage_GetSubscription_ReadThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("hot hit", func(t *testing.T) {
		hot, cold := memory.New(), memory.New()
		storage, _ := New(Config{Hot: hot, Cold: cold})
		defer storage.Close()

		cached := newSub("u1")
		cached.Version = 3
		require.NoError(t, hot.PutSubscription(ctx, cached))

		sub, err := storage.GetSubscription(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), sub.Version)

		// Cold was never written to
		_, err = cold.GetSubscription(ctx, "u1")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("hot miss, cold hit (read-through)", func(t *testing.T) {
		hot, cold := memory.New(), memory.New()
		storage, _ := New(Config{Hot: hot, Cold: cold})
		defer storage.Close()

		require.NoError(t, cold.SaveSubscription(ctx, newSub("u1")))

		sub, err := storage.GetSubscription(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), sub.Version)

		// Hot should now be populated (read-repair)
		hotSub, err := hot.GetSubscription(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), hotSub.Version)
	})

	t.Run("both miss", func(t *testing.T) {
		storage, _ := New(Config{Hot: memory.New(), Cold: memory.New()})
		defer storage.Close()

		_, err := storage.GetSubscription(ctx, "nobody")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})
}

func TestStorage_GetUserSettings_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, cold.SaveUserSettings(ctx, &subscription.UserSettings{UserID: "u1", HasUsedTrial: true}))

	settings, err := storage.GetUserSettings(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, settings.HasUsedTrial)

	cached, err := hot.GetUserSettings(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, cached.HasUsedTrial)
}

// --- Write-Through Strategy Tests ---

func TestStorage_SaveSubscription_WriteThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	sub := newSub("u1")
	require.NoError(t, storage.SaveSubscription(ctx, sub))
	assert.Equal(t, int64(1), sub.Version)

	coldSub, err := cold.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	hotSub, err := hot.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, coldSub.Version, hotSub.Version)
}

func TestStorage_StaleHotIsEvictedOnConflict(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.SaveSubscription(ctx, newSub("u1")))

	// another process moves Cold ahead without touching this Hot
	other, err := cold.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	other.PlanType = subscription.PlanAnnual
	require.NoError(t, cold.SaveSubscription(ctx, other))

	stale, err := storage.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stale.Version)

	stale.IsPaused = true
	assert.ErrorIs(t, storage.SaveSubscription(ctx, stale), subscription.ErrVersionConflict)

	fresh, err := storage.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Version)
	assert.Equal(t, subscription.PlanAnnual, fresh.PlanType)
}

func TestStorage_SaveUserSettings_EvictsHot(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.SaveUserSettings(ctx, &subscription.UserSettings{UserID: "u1", HasUsedTrial: true}))
	_, err := storage.GetUserSettings(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, storage.SaveUserSettings(ctx, &subscription.UserSettings{UserID: "u1", SubscriptionPlan: subscription.PlanFree}))

	_, err = hot.GetUserSettings(ctx, "u1")
	assert.ErrorIs(t, err, subscription.ErrSettingsNotFound)

	got, err := storage.GetUserSettings(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.HasUsedTrial)
	assert.Equal(t, subscription.PlanFree, got.SubscriptionPlan)
}

// --- Error Handling Tests ---

func TestStorage_CacheFailureIsReported(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	cold := memory.New()
	storage, _ := New(Config{
		Hot:  failingCache{memory.New()},
		Cold: cold,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.SaveSubscription(ctx, newSub("u1")))
	_, err := cold.GetSubscription(ctx, "u1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errCacheDown)
}

// --- Close/Graceful Shutdown Tests ---

func TestStorage_AsyncFill(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncCacheFill: true})
	ctx := context.Background()

	require.NoError(t, storage.SaveSubscription(ctx, newSub("u1")))

	require.Eventually(t, func() bool {
		_, err := hot.GetSubscription(ctx, "u1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, storage.Close())
}

func TestStorage_Close(t *testing.T) {
	storage, _ := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncCacheFill: true})

	// Close should not panic
	assert.NoError(t, storage.Close())

	// Second close should also not panic
	assert.NoError(t, storage.Close())
}

func TestStorage_Close_DrainsQueue(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncCacheFill: true, SyncBufferSize: 10})
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		require.NoError(t, storage.SaveSubscription(ctx, newSub(id)))
	}

	assert.NoError(t, storage.Close())

	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		_, err := hot.GetSubscription(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestStorage_ColdOnlyOperations(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, cold.SaveSubscription(ctx, newSub("u1")))

	sub, err := storage.GetSubscriptionByExternalID(ctx, "sub_u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)

	require.NoError(t, storage.AppendHistory(ctx, &subscription.HistoryEvent{ID: "e1", UserID: "u1", EventType: subscription.EventPaused}))
	events, err := cold.ListHistory(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStorage_Ping(t *testing.T) {
	storage, _ := New(Config{Hot: memory.New(), Cold: memory.New()})
	defer storage.Close()
	assert.NoError(t, storage.Ping(context.Background()))
}
