// Package postgres provides a PostgreSQL implementation of the subscription.Store interface.
// Subscription writes are conditional UPDATEs on the version column, so two
// writers racing on the same row cannot both succeed.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

const uniqueViolation = "23505"

// Storage implements subscription.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate runs Schema on New.
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const subscriptionColumns = `user_id, user_email, status, plan_type, billing_interval,
	customer_id, subscription_id, order_id, product_id, variant_id,
	current_period_start, current_period_end, trial_ends_at, renews_at, ends_at,
	is_paused, pause_start_date, pause_end_date, pause_duration_days,
	discount_percentage, discount_start_date, discount_end_date, discount_reason,
	original_price_cents, discounted_price_cents, provider_price_synced,
	scheduled_downgrade_to, scheduled_downgrade_date,
	customer_portal_url, update_payment_method_url, provider_updated_at,
	version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		sub            subscription.Subscription
		subscriptionID *string
	)
	err := row.Scan(
		&sub.UserID, &sub.UserEmail, &sub.Status, &sub.PlanType, &sub.BillingInterval,
		&sub.CustomerID, &subscriptionID, &sub.OrderID, &sub.ProductID, &sub.VariantID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialEndsAt, &sub.RenewsAt, &sub.EndsAt,
		&sub.IsPaused, &sub.PauseStartDate, &sub.PauseEndDate, &sub.PauseDurationDays,
		&sub.DiscountPercentage, &sub.DiscountStartDate, &sub.DiscountEndDate, &sub.DiscountReason,
		&sub.OriginalPriceCents, &sub.DiscountedPriceCents, &sub.ProviderPriceSynced,
		&sub.ScheduledDowngradeTo, &sub.ScheduledDowngradeDate,
		&sub.CustomerPortalURL, &sub.UpdatePaymentMethodURL, &sub.ProviderUpdatedAt,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subscriptionID != nil {
		sub.SubscriptionID = *subscriptionID
	}
	return &sub, nil
}

// subscriptionArgs returns the column values in subscriptionColumns order,
// minus the trailing version/created_at/updated_at.
func subscriptionArgs(sub *subscription.Subscription) []any {
	return []any{
		sub.UserID, sub.UserEmail, string(sub.Status), string(sub.PlanType), string(sub.BillingInterval),
		sub.CustomerID, nullable(sub.SubscriptionID), sub.OrderID, sub.ProductID, sub.VariantID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEndsAt, sub.RenewsAt, sub.EndsAt,
		sub.IsPaused, sub.PauseStartDate, sub.PauseEndDate, sub.PauseDurationDays,
		sub.DiscountPercentage, sub.DiscountStartDate, sub.DiscountEndDate, sub.DiscountReason,
		sub.OriginalPriceCents, sub.DiscountedPriceCents, sub.ProviderPriceSynced,
		string(sub.ScheduledDowngradeTo), sub.ScheduledDowngradeDate,
		sub.CustomerPortalURL, sub.UpdatePaymentMethodURL, sub.ProviderUpdatedAt,
	}
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByExternalID implements subscription.Store
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = $1`, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by external id: %w", err)
	}
	return sub, nil
}

// SaveSubscription implements subscription.Store
func (s *Storage) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	now := time.Now().UTC()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	args := subscriptionArgs(sub)
	var tag pgconn.CommandTag
	var err error
	if sub.Version == 0 {
		args = append(args, int64(1), createdAt, updatedAt)
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
					$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)
				ON CONFLICT (user_id) DO NOTHING`,
			args...)
	} else {
		args = append(args, sub.Version, updatedAt)
		tag, err = s.pool.Exec(ctx,
			`UPDATE subscriptions SET
				user_email = $2, status = $3, plan_type = $4, billing_interval = $5,
				customer_id = $6, subscription_id = $7, order_id = $8, product_id = $9, variant_id = $10,
				current_period_start = $11, current_period_end = $12, trial_ends_at = $13, renews_at = $14, ends_at = $15,
				is_paused = $16, pause_start_date = $17, pause_end_date = $18, pause_duration_days = $19,
				discount_percentage = $20, discount_start_date = $21, discount_end_date = $22, discount_reason = $23,
				original_price_cents = $24, discounted_price_cents = $25, provider_price_synced = $26,
				scheduled_downgrade_to = $27, scheduled_downgrade_date = $28,
				customer_portal_url = $29, update_payment_method_url = $30, provider_updated_at = $31,
				version = version + 1, updated_at = $33
			WHERE user_id = $1 AND version = $32`,
			args...)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return subscription.ErrDuplicateSubscriptionID
		}
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrVersionConflict
	}

	if sub.Version == 0 {
		sub.CreatedAt = createdAt
	}
	sub.UpdatedAt = updatedAt
	sub.Version++
	return nil
}

// FindSubscriptions implements subscription.Store
func (s *Storage) FindSubscriptions(ctx context.Context, q subscription.Query) ([]*subscription.Subscription, error) {
	var where, order string
	switch q.Kind {
	case subscription.QueryDowngradesDue:
		where = `scheduled_downgrade_to <> '' AND scheduled_downgrade_date <= $1`
		order = `scheduled_downgrade_date`
	case subscription.QueryDiscountsExpired:
		where = `discount_end_date <= $1`
		order = `discount_end_date`
	case subscription.QueryDiscountsUnsynced:
		where = `discount_end_date > $1 AND NOT provider_price_synced`
		order = `discount_end_date`
	default:
		return nil, fmt.Errorf("unsupported query kind %d", q.Kind)
	}

	sql := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where +
		` ORDER BY ` + order + `, user_id`
	args := []any{q.AsOf}
	if q.Limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	return out, nil
}

// GetUserSettings implements subscription.Store
func (s *Storage) GetUserSettings(ctx context.Context, userID string) (*subscription.UserSettings, error) {
	var settings subscription.UserSettings
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, subscription_status, subscription_plan, subscription_ends_at,
				customer_id, subscription_id, has_used_trial, updated_at
			FROM user_settings WHERE user_id = $1`,
		userID).Scan(
		&settings.UserID,
		&settings.SubscriptionStatus,
		&settings.SubscriptionPlan,
		&settings.SubscriptionEndsAt,
		&settings.CustomerID,
		&settings.SubscriptionID,
		&settings.HasUsedTrial,
		&settings.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	return &settings, nil
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_settings (user_id, subscription_status, subscription_plan, subscription_ends_at,
				customer_id, subscription_id, has_used_trial, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO UPDATE SET
				subscription_status = EXCLUDED.subscription_status,
				subscription_plan = EXCLUDED.subscription_plan,
				subscription_ends_at = EXCLUDED.subscription_ends_at,
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				has_used_trial = user_settings.has_used_trial OR EXCLUDED.has_used_trial,
				updated_at = EXCLUDED.updated_at`,
		settings.UserID, string(settings.SubscriptionStatus), string(settings.SubscriptionPlan),
		settings.SubscriptionEndsAt, settings.CustomerID, settings.SubscriptionID,
		settings.HasUsedTrial, updatedAt,
	)
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

	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to marshal history metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_history (id, user_id, event_type, description, from_plan, to_plan,
				amount_cents, currency, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.UserID, string(event.EventType), event.Description,
		string(event.FromPlan), string(event.ToPlan), event.AmountCents, event.Currency,
		metadata, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory implements subscription.Store
func (s *Storage) ListHistory(ctx context.Context, userID string, limit int) ([]*subscription.HistoryEvent, error) {
	sql := `SELECT id, user_id, event_type, description, from_plan, to_plan,
			amount_cents, currency, metadata, created_at
		FROM subscription_history WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	events := []*subscription.HistoryEvent{}
	for rows.Next() {
		var (
			event    subscription.HistoryEvent
			metadata []byte
		)
		if err := rows.Scan(
			&event.ID, &event.UserID, &event.EventType, &event.Description,
			&event.FromPlan, &event.ToPlan, &event.AmountCents, &event.Currency,
			&metadata, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode history metadata: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return events, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
