package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
)

type scriptedClient struct {
	calls int
	err   error
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) UpdateSubscription(context.Context, string, billing.UpdateRequest) (*billing.RemoteSubscription, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &billing.RemoteSubscription{ID: "sub_1"}, nil
}

func (c *scriptedClient) PauseSubscription(context.Context, string, billing.PauseRequest) (*billing.RemoteSubscription, error) {
	c.calls++
	return nil, c.err
}

func (c *scriptedClient) UnpauseSubscription(context.Context, string) (*billing.RemoteSubscription, error) {
	c.calls++
	return nil, c.err
}

func TestBreakerClient_OpensOnServerErrors(t *testing.T) {
	next := &scriptedClient{err: &billing.APIError{Provider: "scripted", StatusCode: 503}}
	c := billing.NewBreakerClient(next, billing.BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.UpdateSubscription(ctx, "sub_1", billing.UpdateRequest{VariantID: "111"})
		assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	}

	_, err := c.UpdateSubscription(ctx, "sub_1", billing.UpdateRequest{VariantID: "111"})
	assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
	assert.Equal(t, 2, next.calls)
}

func TestBreakerClient_ClientErrorsDoNotTrip(t *testing.T) {
	next := &scriptedClient{err: &billing.APIError{Provider: "scripted", StatusCode: 422, Detail: "invalid variant"}}
	c := billing.NewBreakerClient(next, billing.BreakerSettings{FailureThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.PauseSubscription(ctx, "sub_1", billing.PauseRequest{Mode: billing.PauseModeVoid})
		var apiErr *billing.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, 422, apiErr.StatusCode)
	}
	assert.Equal(t, 3, next.calls)
}

func TestBreakerClient_PassesThroughSuccess(t *testing.T) {
	next := &scriptedClient{}
	c := billing.NewBreakerClient(next, billing.BreakerSettings{})

	remote, err := c.UpdateSubscription(context.Background(), "sub_1", billing.UpdateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "sub_1", remote.ID)
	assert.Equal(t, "scripted", c.Name())
}
