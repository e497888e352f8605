// Package firestore provides a Firestore implementation of the subscription.Store interface.
// Versioned saves and the external id index are maintained inside Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Storage implements subscription.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	externalIDsCollection   string
	settingsCollection      string
	historyCollection       string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds one document per user.
	// Default: "subscriptions"
	SubscriptionsCollection string

	// ExternalIDsCollection maps provider subscription ids to users.
	// Default: "subscription_ids"
	ExternalIDsCollection string

	// SettingsCollection holds the user settings projection.
	// Default: "user_settings"
	SettingsCollection string

	// HistoryCollection holds the append-only audit trail.
	// Default: "subscription_history"
	HistoryCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.ExternalIDsCollection == "" {
		config.ExternalIDsCollection = "subscription_ids"
	}
	if config.SettingsCollection == "" {
		config.SettingsCollection = "user_settings"
	}
	if config.HistoryCollection == "" {
		config.HistoryCollection = "subscription_history"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		externalIDsCollection:   config.ExternalIDsCollection,
		settingsCollection:      config.SettingsCollection,
		historyCollection:       config.HistoryCollection,
	}, nil
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snap.Ref.ID, snap.Data()), nil
}

// GetSubscriptionByExternalID implements subscription.Store
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	snap, err := s.client.Collection(s.externalIDsCollection).Doc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to resolve subscription id: %w", err)
	}
	userID := getString(snap.Data(), "userId")
	if userID == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return s.GetSubscription(ctx, userID)
}

// SaveSubscription implements subscription.Store
func (s *Storage) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	now := time.Now().UTC()
	createdAt, updatedAt := sub.CreatedAt, sub.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	subDoc := s.client.Collection(s.subscriptionsCollection).Doc(sub.UserID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(subDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var current map[string]interface{}
		if snap != nil && snap.Exists() {
			current = snap.Data()
		}
		switch {
		case sub.Version == 0 && current != nil:
			return subscription.ErrVersionConflict
		case sub.Version != 0 && (current == nil || getInt64(current, "version") != sub.Version):
			return subscription.ErrVersionConflict
		}

		// all reads happen before the first write
		if sub.SubscriptionID != "" {
			extSnap, err := tx.Get(s.client.Collection(s.externalIDsCollection).Doc(sub.SubscriptionID))
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if extSnap != nil && extSnap.Exists() {
				if owner := getString(extSnap.Data(), "userId"); owner != sub.UserID {
					return subscription.ErrDuplicateSubscriptionID
				}
			}
		}

		if oldExt := getString(current, "subscriptionId"); oldExt != "" && oldExt != sub.SubscriptionID {
			if err := tx.Delete(s.client.Collection(s.externalIDsCollection).Doc(oldExt)); err != nil {
				return err
			}
		}
		if sub.SubscriptionID != "" {
			if err := tx.Set(s.client.Collection(s.externalIDsCollection).Doc(sub.SubscriptionID), map[string]interface{}{
				"userId": sub.UserID,
			}); err != nil {
				return err
			}
		}

		data := subscriptionData(sub)
		data["version"] = sub.Version + 1
		data["createdAt"] = createdAt
		data["updatedAt"] = updatedAt
		return tx.Set(subDoc, data)
	})
	if err != nil {
		if errors.Is(err, subscription.ErrVersionConflict) || errors.Is(err, subscription.ErrDuplicateSubscriptionID) {
			return err
		}
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	sub.Version++
	sub.CreatedAt = createdAt
	sub.UpdatedAt = updatedAt
	return nil
}

// FindSubscriptions implements subscription.Store
func (s *Storage) FindSubscriptions(ctx context.Context, q subscription.Query) ([]*subscription.Subscription, error) {
	coll := s.client.Collection(s.subscriptionsCollection)

	var query firestore.Query
	switch q.Kind {
	case subscription.QueryDowngradesDue:
		query = coll.Where("scheduledDowngradeDate", "<=", q.AsOf).
			OrderBy("scheduledDowngradeDate", firestore.Asc)
	case subscription.QueryDiscountsExpired:
		query = coll.Where("discountEndDate", "<=", q.AsOf).
			OrderBy("discountEndDate", firestore.Asc)
	case subscription.QueryDiscountsUnsynced:
		// filtering on the sync flag here would need a composite index
		query = coll.Where("discountEndDate", ">", q.AsOf).
			OrderBy("discountEndDate", firestore.Asc)
	default:
		return nil, fmt.Errorf("unsupported query kind %d", q.Kind)
	}
	query = query.OrderBy(firestore.DocumentID, firestore.Asc)
	if q.Kind == subscription.QueryDiscountsExpired && q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var rows []*subscription.Subscription
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", q.Kind, err)
		}
		rows = append(rows, subscriptionFromData(snap.Ref.ID, snap.Data()))
	}
	return q.Filter(rows), nil
}

// GetUserSettings implements subscription.Store
func (s *Storage) GetUserSettings(ctx context.Context, userID string) (*subscription.UserSettings, error) {
	snap, err := s.client.Collection(s.settingsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	if !snap.Exists() {
		return nil, subscription.ErrSettingsNotFound
	}

	data := snap.Data()
	return &subscription.UserSettings{
		UserID:             userID,
		SubscriptionStatus: subscription.Status(getString(data, "subscriptionStatus")),
		SubscriptionPlan:   subscription.PlanType(getString(data, "subscriptionPlan")),
		SubscriptionEndsAt: getOptionalTime(data, "subscriptionEndsAt"),
		CustomerID:         getString(data, "customerId"),
		SubscriptionID:     getString(data, "subscriptionId"),
		HasUsedTrial:       getBool(data, "hasUsedTrial"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}, nil
}

// SaveUserSettings implements subscription.Store
func (s *Storage) SaveUserSettings(ctx context.Context, settings *subscription.UserSettings) error {
	if settings == nil || settings.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	updatedAt := settings.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	doc := s.client.Collection(s.settingsCollection).Doc(settings.UserID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		hasUsedTrial := settings.HasUsedTrial
		if snap != nil && snap.Exists() && getBool(snap.Data(), "hasUsedTrial") {
			hasUsedTrial = true
		}

		return tx.Set(doc, map[string]interface{}{
			"subscriptionStatus": string(settings.SubscriptionStatus),
			"subscriptionPlan":   string(settings.SubscriptionPlan),
			"subscriptionEndsAt": optionalTime(settings.SubscriptionEndsAt),
			"customerId":         settings.CustomerID,
			"subscriptionId":     settings.SubscriptionID,
			"hasUsedTrial":       hasUsedTrial,
			"updatedAt":          updatedAt,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to save user settings: %w", err)
	}
	return nil
}

// AppendHistory implements subscription.Store
func (s *Storage) AppendHistory(ctx context.Context, event *subscription.HistoryEvent) error {
	if event == nil || event.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	data := map[string]interface{}{
		"userId":      event.UserID,
		"eventType":   string(event.EventType),
		"description": event.Description,
		"fromPlan":    string(event.FromPlan),
		"toPlan":      string(event.ToPlan),
		"currency":    event.Currency,
		"createdAt":   event.CreatedAt,
		// tie-breaker for events sharing createdAt
		"appendedAt": time.Now().UnixNano(),
	}
	if event.AmountCents != nil {
		data["amountCents"] = *event.AmountCents
	}
	if len(event.Metadata) > 0 {
		data["metadata"] = event.Metadata
	}

	coll := s.client.Collection(s.historyCollection)
	var err error
	if event.ID != "" {
		_, err = coll.Doc(event.ID).Create(ctx, data)
	} else {
		_, _, err = coll.Add(ctx, data)
	}
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory implements subscription.Store
func (s *Storage) ListHistory(ctx context.Context, userID string, limit int) ([]*subscription.HistoryEvent, error) {
	query := s.client.Collection(s.historyCollection).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy("appendedAt", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	events := []*subscription.HistoryEvent{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list history: %w", err)
		}

		data := snap.Data()
		event := &subscription.HistoryEvent{
			ID:          snap.Ref.ID,
			UserID:      getString(data, "userId"),
			EventType:   subscription.HistoryEventType(getString(data, "eventType")),
			Description: getString(data, "description"),
			FromPlan:    subscription.PlanType(getString(data, "fromPlan")),
			ToPlan:      subscription.PlanType(getString(data, "toPlan")),
			Currency:    getString(data, "currency"),
			CreatedAt:   getTime(data, "createdAt"),
		}
		if _, ok := data["amountCents"]; ok {
			amount := getInt64(data, "amountCents")
			event.AmountCents = &amount
		}
		if metadata, ok := data["metadata"].(map[string]interface{}); ok {
			event.Metadata = metadata
		}
		events = append(events, event)
	}
	return events, nil
}

func subscriptionData(sub *subscription.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"userEmail":              sub.UserEmail,
		"status":                 string(sub.Status),
		"planType":               string(sub.PlanType),
		"billingInterval":        string(sub.BillingInterval),
		"customerId":             sub.CustomerID,
		"subscriptionId":         sub.SubscriptionID,
		"orderId":                sub.OrderID,
		"productId":              sub.ProductID,
		"variantId":              sub.VariantID,
		"currentPeriodStart":     optionalTime(sub.CurrentPeriodStart),
		"currentPeriodEnd":       optionalTime(sub.CurrentPeriodEnd),
		"trialEndsAt":            optionalTime(sub.TrialEndsAt),
		"renewsAt":               optionalTime(sub.RenewsAt),
		"endsAt":                 optionalTime(sub.EndsAt),
		"isPaused":               sub.IsPaused,
		"pauseStartDate":         optionalTime(sub.PauseStartDate),
		"pauseEndDate":           optionalTime(sub.PauseEndDate),
		"pauseDurationDays":      sub.PauseDurationDays,
		"discountPercentage":     sub.DiscountPercentage,
		"discountStartDate":      optionalTime(sub.DiscountStartDate),
		"discountEndDate":        optionalTime(sub.DiscountEndDate),
		"discountReason":         sub.DiscountReason,
		"originalPriceCents":     sub.OriginalPriceCents,
		"discountedPriceCents":   sub.DiscountedPriceCents,
		"providerPriceSynced":    sub.ProviderPriceSynced,
		"scheduledDowngradeTo":   string(sub.ScheduledDowngradeTo),
		"scheduledDowngradeDate": optionalTime(sub.ScheduledDowngradeDate),
		"customerPortalUrl":      sub.CustomerPortalURL,
		"updatePaymentMethodUrl": sub.UpdatePaymentMethodURL,
		"providerUpdatedAt":      optionalTime(sub.ProviderUpdatedAt),
	}
}

func subscriptionFromData(userID string, data map[string]interface{}) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:                 userID,
		UserEmail:              getString(data, "userEmail"),
		Status:                 subscription.Status(getString(data, "status")),
		PlanType:               subscription.PlanType(getString(data, "planType")),
		BillingInterval:        subscription.Interval(getString(data, "billingInterval")),
		CustomerID:             getString(data, "customerId"),
		SubscriptionID:         getString(data, "subscriptionId"),
		OrderID:                getString(data, "orderId"),
		ProductID:              getString(data, "productId"),
		VariantID:              getString(data, "variantId"),
		CurrentPeriodStart:     getOptionalTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:       getOptionalTime(data, "currentPeriodEnd"),
		TrialEndsAt:            getOptionalTime(data, "trialEndsAt"),
		RenewsAt:               getOptionalTime(data, "renewsAt"),
		EndsAt:                 getOptionalTime(data, "endsAt"),
		IsPaused:               getBool(data, "isPaused"),
		PauseStartDate:         getOptionalTime(data, "pauseStartDate"),
		PauseEndDate:           getOptionalTime(data, "pauseEndDate"),
		PauseDurationDays:      getInt(data, "pauseDurationDays"),
		DiscountPercentage:     getInt(data, "discountPercentage"),
		DiscountStartDate:      getOptionalTime(data, "discountStartDate"),
		DiscountEndDate:        getOptionalTime(data, "discountEndDate"),
		DiscountReason:         getString(data, "discountReason"),
		OriginalPriceCents:     getInt64(data, "originalPriceCents"),
		DiscountedPriceCents:   getInt64(data, "discountedPriceCents"),
		ProviderPriceSynced:    getBool(data, "providerPriceSynced"),
		ScheduledDowngradeTo:   subscription.PlanType(getString(data, "scheduledDowngradeTo")),
		ScheduledDowngradeDate: getOptionalTime(data, "scheduledDowngradeDate"),
		CustomerPortalURL:      getString(data, "customerPortalUrl"),
		UpdatePaymentMethodURL: getString(data, "updatePaymentMethodUrl"),
		ProviderUpdatedAt:      getOptionalTime(data, "providerUpdatedAt"),
		Version:                getInt64(data, "version"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	return int(getInt64(data, key))
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getOptionalTime(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok || v.IsZero() {
		return nil
	}
	return &v
}

// optionalTime stores absent times as null so range filters skip them.
func optionalTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
