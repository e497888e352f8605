// Package memory provides an in-memory implementation of the subscription.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Storage implements subscription.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription.Subscription // by user id
	external      map[string]string                     // external subscription id -> user id
	settings      map[string]*subscription.UserSettings
	history       map[string][]*subscription.HistoryEvent
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subscription.Subscription),
		external:      make(map[string]string),
		settings:      make(map[string]*subscription.UserSettings),
		history:       make(map[string][]*subscription.HistoryEvent),
	}
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// GetSubscriptionByExternalID implements subscription.Store
func (s *Storage) GetSubscriptionByExternalID(_ context.Context, subscriptionID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.external[subscriptionID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return s.subscriptions[userID].Clone(), nil
}

// SaveSubscription implements subscription.Store
func (s *Storage) SaveSubscription(_ context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.UserID]
	switch {
	case !ok && sub.Version != 0:
		return subscription.ErrVersionConflict
	case ok && existing.Version != sub.Version:
		return subscription.ErrVersionConflict
	}

	if sub.SubscriptionID != "" {
		if owner, taken := s.external[sub.SubscriptionID]; taken && owner != sub.UserID {
			return subscription.ErrDuplicateSubscriptionID
		}
	}

	if ok && existing.SubscriptionID != "" && existing.SubscriptionID != sub.SubscriptionID {
		delete(s.external, existing.SubscriptionID)
	}
	if sub.SubscriptionID != "" {
		s.external[sub.SubscriptionID] = sub.UserID
	}

	sub.Version++
	s.subscriptions[sub.UserID] = sub.Clone()
	return nil
}

// FindSubscriptions implements subscription.Store
func (s *Storage) FindSubscriptions(_ context.Context, q subscription.Query) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*subscription.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		rows = append(rows, sub.Clone())
	}
	return q.Filter(rows), nil
}

// GetUserSettings implements subscription.Store
func (s *Storage) GetUserSettings(_ context.Context, userID string) (*subscription.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settings[userID]
	if !ok {
		return nil, subscription.ErrSettingsNotFound
	}
	return settings.Clone(), nil
}

// SaveUserSettings implements subscription.Store
func (s *Storage) SaveUserSettings(_ context.Context, settings *subscription.UserSettings) error {
	if settings == nil || settings.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := settings.Clone()
	if existing, ok := s.settings[settings.UserID]; ok && existing.HasUsedTrial {
		next.HasUsedTrial = true
	}
	s.settings[settings.UserID] = next
	return nil
}

// AppendHistory implements subscription.Store
func (s *Storage) AppendHistory(_ context.Context, event *subscription.HistoryEvent) error {
	if event == nil || event.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *event
	if event.Metadata != nil {
		c.Metadata = make(map[string]any, len(event.Metadata))
		for k, v := range event.Metadata {
			c.Metadata[k] = v
		}
	}
	s.history[event.UserID] = append(s.history[event.UserID], &c)
	return nil
}

// ListHistory implements subscription.Store
func (s *Storage) ListHistory(_ context.Context, userID string, limit int) ([]*subscription.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[userID]
	out := make([]*subscription.HistoryEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		c := *events[i]
		out = append(out, &c)
	}
	// appended order is insertion order; keep it as tie-breaker
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutSubscription stores sub as-is, keeping its version. It lets the store
// act as a cache in front of another store.
func (s *Storage) PutSubscription(_ context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[sub.UserID]; ok && existing.SubscriptionID != sub.SubscriptionID {
		delete(s.external, existing.SubscriptionID)
	}
	if sub.SubscriptionID != "" {
		s.external[sub.SubscriptionID] = sub.UserID
	}
	s.subscriptions[sub.UserID] = sub.Clone()
	return nil
}

// EvictSubscription drops the subscription for userID if present.
func (s *Storage) EvictSubscription(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[userID]; ok {
		delete(s.external, existing.SubscriptionID)
		delete(s.subscriptions, userID)
	}
	return nil
}

// PutUserSettings stores settings as-is, bypassing the trial latch.
func (s *Storage) PutUserSettings(_ context.Context, settings *subscription.UserSettings) error {
	if settings == nil || settings.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[settings.UserID] = settings.Clone()
	return nil
}

// EvictUserSettings drops the settings for userID if present.
func (s *Storage) EvictUserSettings(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.settings, userID)
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*subscription.Subscription)
	s.external = make(map[string]string)
	s.settings = make(map[string]*subscription.UserSettings)
	s.history = make(map[string][]*subscription.HistoryEvent)
}
