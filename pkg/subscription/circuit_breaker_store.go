package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures a CircuitBreakerStore.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive infrastructure failures
	// that open the breaker. Defaults to 5.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open. Defaults to 30s.
	ResetTimeout time.Duration
	// Metrics receives state transitions.
	Metrics Metrics
	// Logger receives state transitions.
	Logger Logger
}

// CircuitBreakerStore wraps a Store with circuit breaker protection.
// Domain outcomes (not found, version conflict, duplicate id) count as
// successes; only infrastructure errors trip the breaker.
type CircuitBreakerStore struct {
	store Store
	cb    *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, settings BreakerSettings) *CircuitBreakerStore {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	if settings.Metrics == nil {
		settings.Metrics = &NoopMetrics{}
	}
	if settings.Logger == nil {
		settings.Logger = &NoopLogger{}
	}

	threshold := settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "subscription-store",
		MaxRequests: 1,
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrSubscriptionNotFound) ||
				errors.Is(err, ErrSettingsNotFound) ||
				errors.Is(err, ErrVersionConflict) ||
				errors.Is(err, ErrDuplicateSubscriptionID)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			settings.Metrics.RecordCircuitBreakerStateChange(to.String())
			settings.Logger.Warn("storage circuit breaker state changed",
				F("breaker", name),
				F("from", from.String()),
				F("to", to.String()),
			)
		},
	})

	return &CircuitBreakerStore{store: store, cb: cb}
}

// State returns the breaker state as a string.
func (s *CircuitBreakerStore) State() string {
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) execute(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return v, err
}

func (s *CircuitBreakerStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	v, err := s.execute(func() (any, error) {
		return s.store.GetSubscription(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Subscription), nil
}

func (s *CircuitBreakerStore) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	v, err := s.execute(func() (any, error) {
		return s.store.GetSubscriptionByExternalID(ctx, subscriptionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Subscription), nil
}

func (s *CircuitBreakerStore) SaveSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.store.SaveSubscription(ctx, sub)
	})
	return err
}

func (s *CircuitBreakerStore) FindSubscriptions(ctx context.Context, q Query) ([]*Subscription, error) {
	v, err := s.execute(func() (any, error) {
		return s.store.FindSubscriptions(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Subscription), nil
}

func (s *CircuitBreakerStore) GetUserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	v, err := s.execute(func() (any, error) {
		return s.store.GetUserSettings(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserSettings), nil
}

func (s *CircuitBreakerStore) SaveUserSettings(ctx context.Context, settings *UserSettings) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.store.SaveUserSettings(ctx, settings)
	})
	return err
}

func (s *CircuitBreakerStore) AppendHistory(ctx context.Context, event *HistoryEvent) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.store.AppendHistory(ctx, event)
	})
	return err
}

func (s *CircuitBreakerStore) ListHistory(ctx context.Context, userID string, limit int) ([]*HistoryEvent, error) {
	v, err := s.execute(func() (any, error) {
		return s.store.ListHistory(ctx, userID, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*HistoryEvent), nil
}
