package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/memory"
)

type flakyStore struct {
	*memory.Storage
	err error
}

func (s *flakyStore) GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.Storage.GetSubscription(ctx, userID)
}

type stateRecorder struct {
	subscription.NoopMetrics
	states []string
}

func (r *stateRecorder) RecordCircuitBreakerStateChange(state string) {
	r.states = append(r.states, state)
}

func TestCircuitBreakerStore_OpensOnInfrastructureErrors(t *testing.T) {
	inner := &flakyStore{Storage: memory.New(), err: errors.New("connection refused")}
	metrics := &stateRecorder{}
	store := subscription.NewCircuitBreakerStore(inner, subscription.BreakerSettings{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		Metrics:          metrics,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.GetSubscription(ctx, "u1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, subscription.ErrCircuitOpen)
	}

	_, err := store.GetSubscription(ctx, "u1")
	assert.ErrorIs(t, err, subscription.ErrCircuitOpen)
	assert.Equal(t, "open", store.State())
	assert.Equal(t, []string{"open"}, metrics.states)
}

func TestCircuitBreakerStore_DomainErrorsDoNotTrip(t *testing.T) {
	store := subscription.NewCircuitBreakerStore(memory.New(), subscription.BreakerSettings{FailureThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.GetSubscription(ctx, "missing")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	}
	assert.Equal(t, "closed", store.State())

	sub := &subscription.Subscription{UserID: "u1"}
	require.NoError(t, store.SaveSubscription(ctx, sub))
	stale := &subscription.Subscription{UserID: "u1"}
	assert.ErrorIs(t, store.SaveSubscription(ctx, stale), subscription.ErrVersionConflict)
	assert.Equal(t, "closed", store.State())

	got, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}
