package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// BreakerSettings configures a BreakerClient.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker. Defaults to 5.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	// Defaults to 30s.
	OpenTimeout time.Duration
	Logger      subscription.Logger
}

// BreakerClient wraps a Client with a circuit breaker. Provider rejections
// (4xx) are the caller's fault and do not count as failures; transport
// errors, timeouts and 5xx responses do.
type BreakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker[*RemoteSubscription]
}

// NewBreakerClient wraps next.
func NewBreakerClient(next Client, settings BreakerSettings) *BreakerClient {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.Logger == nil {
		settings.Logger = &subscription.NoopLogger{}
	}

	threshold := settings.FailureThreshold
	logger := settings.Logger
	cb := gobreaker.NewCircuitBreaker[*RemoteSubscription](gobreaker.Settings{
		Name:        next.Name() + "-api",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.StatusCode < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("billing provider circuit breaker state changed",
				subscription.F("breaker", name),
				subscription.F("from", from.String()),
				subscription.F("to", to.String()),
			)
		},
	})

	return &BreakerClient{next: next, cb: cb}
}

func (c *BreakerClient) Name() string {
	return c.next.Name()
}

func (c *BreakerClient) UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateRequest) (*RemoteSubscription, error) {
	return c.execute(func() (*RemoteSubscription, error) {
		return c.next.UpdateSubscription(ctx, subscriptionID, req)
	})
}

func (c *BreakerClient) PauseSubscription(ctx context.Context, subscriptionID string, req PauseRequest) (*RemoteSubscription, error) {
	return c.execute(func() (*RemoteSubscription, error) {
		return c.next.PauseSubscription(ctx, subscriptionID, req)
	})
}

func (c *BreakerClient) UnpauseSubscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error) {
	return c.execute(func() (*RemoteSubscription, error) {
		return c.next.UnpauseSubscription(ctx, subscriptionID)
	})
}

func (c *BreakerClient) execute(fn func() (*RemoteSubscription, error)) (*RemoteSubscription, error) {
	remote, err := c.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return remote, err
}
