package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrProjectionFailed is returned alongside a successfully written
// subscription when the user_settings projection could not be updated.
var ErrProjectionFailed = errors.New("user settings projection failed")

// Config configures a Manager.
type Config struct {
	// Logger receives structured logs. Defaults to NoopLogger.
	Logger Logger

	// Metrics records store behavior. Defaults to NoopMetrics.
	Metrics Metrics

	// Publisher, when set, receives every appended history event.
	Publisher HistoryPublisher

	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time

	// NewID generates history event ids. Defaults to uuid.NewString.
	NewID func() string

	// StoreTimeout bounds every store call. Defaults to 5s.
	StoreTimeout time.Duration
}

// MutateFunc applies a change to a subscription in place. Returning an error
// aborts the write and is passed through to the caller unchanged.
type MutateFunc func(sub *Subscription) error

// WriteOption tunes a single Manager write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	latchTrial bool
}

// LatchTrial marks the user as having used their trial in the projection.
func LatchTrial() WriteOption {
	return func(o *writeOptions) { o.latchTrial = true }
}

// Manager owns the dual write between subscriptions and user_settings.
//
// Every write is a single read followed by a single conditional save. When the
// save loses an optimistic-concurrency race the row is re-read and the
// mutation re-applied once.
type Manager struct {
	store   Store
	config  Config
	history *HistoryLogger
}

// NewManager creates a new manager with the given store and configuration
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}

	m := &Manager{store: store, config: config}
	m.history = &HistoryLogger{
		store:     store,
		publisher: config.Publisher,
		logger:    config.Logger,
		metrics:   config.Metrics,
		now:       config.Now,
		newID:     config.NewID,
		timeout:   config.StoreTimeout,
	}
	return m, nil
}

// History returns the manager's history logger.
func (m *Manager) History() *HistoryLogger {
	return m.history
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time {
	return m.config.Now()
}

// Get returns the user's subscription.
func (m *Manager) Get(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()
	return m.timed("get_subscription", func() (*Subscription, error) {
		return m.store.GetSubscription(ctx, userID)
	})
}

// GetByExternalID returns the subscription linked to the provider id.
func (m *Manager) GetByExternalID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if subscriptionID == "" {
		return nil, ErrSubscriptionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()
	return m.timed("get_subscription_by_external_id", func() (*Subscription, error) {
		return m.store.GetSubscriptionByExternalID(ctx, subscriptionID)
	})
}

// Settings returns the user's projection row.
func (m *Manager) Settings(ctx context.Context, userID string) (*UserSettings, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()
	return m.store.GetUserSettings(ctx, userID)
}

// Find runs a filtered select over subscriptions.
func (m *Manager) Find(ctx context.Context, q Query) ([]*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	rows, err := m.store.FindSubscriptions(ctx, q)
	m.config.Metrics.RecordStorageOperation("find_"+q.Kind.String(), time.Since(start), err)
	return rows, err
}

// Upsert applies fn to the user's subscription, creating an empty row first
// when none exists.
func (m *Manager) Upsert(ctx context.Context, userID string, fn MutateFunc, opts ...WriteOption) (*Subscription, error) {
	current, err := m.Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	if current == nil {
		current = &Subscription{UserID: userID}
	}
	return m.Mutate(ctx, current, fn, opts...)
}

// Update applies fn to the user's existing subscription.
func (m *Manager) Update(ctx context.Context, userID string, fn MutateFunc, opts ...WriteOption) (*Subscription, error) {
	current, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.Mutate(ctx, current, fn, opts...)
}

// UpdateByExternalID applies fn to the subscription linked to the provider id.
func (m *Manager) UpdateByExternalID(ctx context.Context, subscriptionID string, fn MutateFunc, opts ...WriteOption) (*Subscription, error) {
	current, err := m.GetByExternalID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return m.Mutate(ctx, current, fn, opts...)
}

// Mutate applies fn to a copy of current and saves it conditioned on
// current.Version, then refreshes the projection. On a version conflict the
// row is re-read by user id and fn applied once more.
//
// When the subscription is saved but the projection is not, the saved row is
// returned together with an error wrapping ErrProjectionFailed.
func (m *Manager) Mutate(ctx context.Context, current *Subscription, fn MutateFunc, opts ...WriteOption) (*Subscription, error) {
	if current == nil || current.UserID == "" {
		return nil, ErrInvalidUserID
	}

	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	saved, err := m.apply(ctx, current, fn)
	if errors.Is(err, ErrVersionConflict) {
		m.config.Metrics.RecordVersionConflict(true)
		m.config.Logger.Debug("subscription version conflict, retrying",
			F("user_id", current.UserID),
			F("version", current.Version),
		)

		fresh, getErr := m.Get(ctx, current.UserID)
		if getErr != nil && !errors.Is(getErr, ErrSubscriptionNotFound) {
			return nil, getErr
		}
		if fresh == nil {
			fresh = &Subscription{UserID: current.UserID}
		}
		saved, err = m.apply(ctx, fresh, fn)
		if errors.Is(err, ErrVersionConflict) {
			m.config.Metrics.RecordVersionConflict(false)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := m.project(ctx, saved, o.latchTrial); err != nil {
		return saved, err
	}
	return saved, nil
}

func (m *Manager) apply(ctx context.Context, current *Subscription, fn MutateFunc) (*Subscription, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	now := m.config.Now()
	next.UserID = current.UserID
	next.Version = current.Version
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := m.store.SaveSubscription(ctx, next)
	m.config.Metrics.RecordStorageOperation("save_subscription", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("save subscription for %s: %w", current.UserID, err)
	}
	return next, nil
}

// Project rewrites the user_settings row from sub.
func (m *Manager) Project(ctx context.Context, sub *Subscription, opts ...WriteOption) error {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return m.project(ctx, sub, o.latchTrial)
}

func (m *Manager) project(ctx context.Context, sub *Subscription, latchTrial bool) error {
	settings := ProjectSettings(sub)
	settings.HasUsedTrial = latchTrial
	settings.UpdatedAt = m.config.Now()

	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := m.store.SaveUserSettings(ctx, settings)
	m.config.Metrics.RecordStorageOperation("save_user_settings", time.Since(start), err)
	if err != nil {
		m.config.Metrics.RecordProjectionFailure()
		m.config.Logger.Error("failed to write user settings projection",
			F("user_id", sub.UserID),
			F("subscription_id", sub.SubscriptionID),
			F("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", ErrProjectionFailed, err)
	}
	return nil
}

// ProjectSettings derives the summary row from a subscription. The trial latch
// is left false; stores OR it with the stored value.
func ProjectSettings(sub *Subscription) *UserSettings {
	return &UserSettings{
		UserID:             sub.UserID,
		SubscriptionStatus: sub.Status,
		SubscriptionPlan:   sub.EffectivePlan(),
		SubscriptionEndsAt: cloneTime(sub.EndsAt),
		CustomerID:         sub.CustomerID,
		SubscriptionID:     sub.SubscriptionID,
	}
}

func (m *Manager) timed(op string, fn func() (*Subscription, error)) (*Subscription, error) {
	start := time.Now()
	sub, err := fn()
	if err != nil && errors.Is(err, ErrSubscriptionNotFound) {
		m.config.Metrics.RecordStorageOperation(op, time.Since(start), nil)
		return nil, err
	}
	m.config.Metrics.RecordStorageOperation(op, time.Since(start), err)
	return sub, err
}
