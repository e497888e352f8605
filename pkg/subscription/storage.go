package subscription

import (
	"context"
	"sort"
	"time"
)

// Store defines the interface for subscription persistence.
// Implementations must return copies; callers may mutate what they get back.
type Store interface {
	// GetSubscription retrieves the subscription owned by userID.
	// Returns ErrSubscriptionNotFound when the user has none.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscriptionByExternalID retrieves the subscription carrying the
	// provider's subscription id.
	// Returns ErrSubscriptionNotFound when no row matches.
	GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// SaveSubscription writes sub if and only if the stored version equals
	// sub.Version. Version 0 means the row must not exist yet.
	// On success sub.Version is incremented to the stored value.
	// Returns ErrVersionConflict when the check fails and
	// ErrDuplicateSubscriptionID when another user owns sub.SubscriptionID.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// FindSubscriptions returns rows matching q, oldest relevant date first.
	FindSubscriptions(ctx context.Context, q Query) ([]*Subscription, error)

	// GetUserSettings retrieves the projection row.
	// Returns ErrSettingsNotFound when the user has none.
	GetUserSettings(ctx context.Context, userID string) (*UserSettings, error)

	// SaveUserSettings upserts the projection row keyed by user id.
	// HasUsedTrial is OR-ed with the stored value and never reset.
	SaveUserSettings(ctx context.Context, settings *UserSettings) error

	// AppendHistory inserts a history event.
	AppendHistory(ctx context.Context, event *HistoryEvent) error

	// ListHistory returns up to limit events for the user, newest first.
	ListHistory(ctx context.Context, userID string, limit int) ([]*HistoryEvent, error)
}

// QueryKind selects one of the filtered scans the sweeper needs.
type QueryKind int

const (
	// QueryDowngradesDue matches rows with scheduled_downgrade_date <= AsOf.
	QueryDowngradesDue QueryKind = iota
	// QueryDiscountsExpired matches rows with discount_end_date <= AsOf.
	QueryDiscountsExpired
	// QueryDiscountsUnsynced matches rows with discount_end_date > AsOf and
	// provider_price_synced = false.
	QueryDiscountsUnsynced
)

func (k QueryKind) String() string {
	switch k {
	case QueryDowngradesDue:
		return "downgrades_due"
	case QueryDiscountsExpired:
		return "discounts_expired"
	case QueryDiscountsUnsynced:
		return "discounts_unsynced"
	}
	return "unknown"
}

// Query is a filtered select over subscriptions.
type Query struct {
	Kind  QueryKind
	AsOf  time.Time
	Limit int
}

// Matches reports whether sub satisfies q. Backends without a query language
// use it to filter scans.
func (q Query) Matches(sub *Subscription) bool {
	switch q.Kind {
	case QueryDowngradesDue:
		return sub.DowngradeScheduled() && !sub.ScheduledDowngradeDate.After(q.AsOf)
	case QueryDiscountsExpired:
		return sub.DiscountEndDate != nil && !sub.DiscountEndDate.After(q.AsOf)
	case QueryDiscountsUnsynced:
		return sub.DiscountEndDate != nil && sub.DiscountEndDate.After(q.AsOf) && !sub.ProviderPriceSynced
	}
	return false
}

// SortKey is the date Query results are ordered by.
func (q Query) SortKey(sub *Subscription) time.Time {
	switch q.Kind {
	case QueryDowngradesDue:
		if sub.ScheduledDowngradeDate != nil {
			return *sub.ScheduledDowngradeDate
		}
	case QueryDiscountsExpired, QueryDiscountsUnsynced:
		if sub.DiscountEndDate != nil {
			return *sub.DiscountEndDate
		}
	}
	return time.Time{}
}

// Filter applies q to rows held in memory: it keeps matches, orders them by
// SortKey then user id, and truncates to q.Limit when positive.
func (q Query) Filter(rows []*Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(rows))
	for _, row := range rows {
		if q.Matches(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := q.SortKey(out[i]), q.SortKey(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].UserID < out[j].UserID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// HistoryPublisher fans history events out to other systems.
type HistoryPublisher interface {
	PublishHistory(ctx context.Context, event *HistoryEvent) error
}
