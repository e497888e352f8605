// Package sqlite provides an embedded SQLite implementation of the
// subscription.Store interface, built on the pure Go modernc.org/sqlite
// driver. Timestamps are stored as fixed-width UTC text so they sort
// correctly.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Schema creates the tables and indexes used by Storage. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	user_id                   TEXT PRIMARY KEY,
	user_email                TEXT NOT NULL DEFAULT '',
	status                    TEXT NOT NULL,
	plan_type                 TEXT NOT NULL,
	billing_interval          TEXT NOT NULL DEFAULT '',
	customer_id               TEXT NOT NULL DEFAULT '',
	subscription_id           TEXT UNIQUE,
	order_id                  TEXT NOT NULL DEFAULT '',
	product_id                TEXT NOT NULL DEFAULT '',
	variant_id                TEXT NOT NULL DEFAULT '',
	current_period_start      TEXT,
	current_period_end        TEXT,
	trial_ends_at             TEXT,
	renews_at                 TEXT,
	ends_at                   TEXT,
	is_paused                 INTEGER NOT NULL DEFAULT 0,
	pause_start_date          TEXT,
	pause_end_date            TEXT,
	pause_duration_days       INTEGER NOT NULL DEFAULT 0,
	discount_percentage       INTEGER NOT NULL DEFAULT 0,
	discount_start_date       TEXT,
	discount_end_date         TEXT,
	discount_reason           TEXT NOT NULL DEFAULT '',
	original_price_cents      INTEGER NOT NULL DEFAULT 0,
	discounted_price_cents    INTEGER NOT NULL DEFAULT 0,
	provider_price_synced     INTEGER NOT NULL DEFAULT 0,
	scheduled_downgrade_to    TEXT NOT NULL DEFAULT '',
	scheduled_downgrade_date  TEXT,
	customer_portal_url       TEXT NOT NULL DEFAULT '',
	update_payment_method_url TEXT NOT NULL DEFAULT '',
	provider_updated_at       TEXT,
	version                   INTEGER NOT NULL,
	created_at                TEXT NOT NULL,
	updated_at                TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS subscriptions_downgrade_due ON subscriptions (scheduled_downgrade_date);
CREATE INDEX IF NOT EXISTS subscriptions_discount_end ON subscriptions (discount_end_date);

CREATE TABLE IF NOT EXISTS user_settings (
	user_id              TEXT PRIMARY KEY,
	subscription_status  TEXT NOT NULL DEFAULT '',
	subscription_plan    TEXT NOT NULL DEFAULT '',
	subscription_ends_at TEXT,
	customer_id          TEXT NOT NULL DEFAULT '',
	subscription_id      TEXT NOT NULL DEFAULT '',
	has_used_trial       INTEGER NOT NULL DEFAULT 0,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subscription_history (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	user_id      TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	from_plan    TEXT NOT NULL DEFAULT '',
	to_plan      TEXT NOT NULL DEFAULT '',
	amount_cents INTEGER,
	currency     TEXT NOT NULL DEFAULT '',
	metadata     TEXT,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS subscription_history_user_created
	ON subscription_history (user_id, created_at DESC, seq DESC);
`

// Storage implements subscription.Store using SQLite
type Storage struct {
	db *sql.DB
}

// Open opens the database at path (":memory:" for a private in-memory
// database) and applies Schema.
func Open(ctx context.Context, path string) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
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

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*subscription.Subscription, error) {
	var (
		sub                                              subscription.Subscription
		subscriptionID                                   sql.NullString
		periodStart, periodEnd, trialEnds, renews, ends  sql.NullString
		pauseStart, pauseEnd, discountStart, discountEnd sql.NullString
		downgradeDate, providerUpdated                   sql.NullString
		createdAt, updatedAt                             string
	)
	err := row.Scan(
		&sub.UserID, &sub.UserEmail, &sub.Status, &sub.PlanType, &sub.BillingInterval,
		&sub.CustomerID, &subscriptionID, &sub.OrderID, &sub.ProductID, &sub.VariantID,
		&periodStart, &periodEnd, &trialEnds, &renews, &ends,
		&sub.IsPaused, &pauseStart, &pauseEnd, &sub.PauseDurationDays,
		&sub.DiscountPercentage, &discountStart, &discountEnd, &sub.DiscountReason,
		&sub.OriginalPriceCents, &sub.DiscountedPriceCents, &sub.ProviderPriceSynced,
		&sub.ScheduledDowngradeTo, &downgradeDate,
		&sub.CustomerPortalURL, &sub.UpdatePaymentMethodURL, &providerUpdated,
		&sub.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.SubscriptionID = subscriptionID.String

	d := decoder{}
	sub.CurrentPeriodStart = d.optional(periodStart)
	sub.CurrentPeriodEnd = d.optional(periodEnd)
	sub.TrialEndsAt = d.optional(trialEnds)
	sub.RenewsAt = d.optional(renews)
	sub.EndsAt = d.optional(ends)
	sub.PauseStartDate = d.optional(pauseStart)
	sub.PauseEndDate = d.optional(pauseEnd)
	sub.DiscountStartDate = d.optional(discountStart)
	sub.DiscountEndDate = d.optional(discountEnd)
	sub.ScheduledDowngradeDate = d.optional(downgradeDate)
	sub.ProviderUpdatedAt = d.optional(providerUpdated)
	sub.CreatedAt = d.required(createdAt)
	sub.UpdatedAt = d.required(updatedAt)
	if d.err != nil {
		return nil, d.err
	}
	return &sub, nil
}

func subscriptionArgs(sub *subscription.Subscription) []any {
	return []any{
		sub.UserID, sub.UserEmail, string(sub.Status), string(sub.PlanType), string(sub.BillingInterval),
		sub.CustomerID, nullString(sub.SubscriptionID), sub.OrderID, sub.ProductID, sub.VariantID,
		formatOptional(sub.CurrentPeriodStart), formatOptional(sub.CurrentPeriodEnd),
		formatOptional(sub.TrialEndsAt), formatOptional(sub.RenewsAt), formatOptional(sub.EndsAt),
		sub.IsPaused, formatOptional(sub.PauseStartDate), formatOptional(sub.PauseEndDate), sub.PauseDurationDays,
		sub.DiscountPercentage, formatOptional(sub.DiscountStartDate), formatOptional(sub.DiscountEndDate), sub.DiscountReason,
		sub.OriginalPriceCents, sub.DiscountedPriceCents, sub.ProviderPriceSynced,
		string(sub.ScheduledDowngradeTo), formatOptional(sub.ScheduledDowngradeDate),
		sub.CustomerPortalURL, sub.UpdatePaymentMethodURL, formatOptional(sub.ProviderUpdatedAt),
	}
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByExternalID implements subscription.Store
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = ?`, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
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
	var (
		res sql.Result
		err error
	)
	if sub.Version == 0 {
		args = append(args, int64(1), formatTime(createdAt), formatTime(updatedAt))
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES (`+placeholders(len(args))+`)
				ON CONFLICT (user_id) DO NOTHING`,
			args...)
	} else {
		args = append(args, sub.Version, formatTime(updatedAt))
		res, err = s.db.ExecContext(ctx,
			`UPDATE subscriptions SET
				user_email = ?2, status = ?3, plan_type = ?4, billing_interval = ?5,
				customer_id = ?6, subscription_id = ?7, order_id = ?8, product_id = ?9, variant_id = ?10,
				current_period_start = ?11, current_period_end = ?12, trial_ends_at = ?13, renews_at = ?14, ends_at = ?15,
				is_paused = ?16, pause_start_date = ?17, pause_end_date = ?18, pause_duration_days = ?19,
				discount_percentage = ?20, discount_start_date = ?21, discount_end_date = ?22, discount_reason = ?23,
				original_price_cents = ?24, discounted_price_cents = ?25, provider_price_synced = ?26,
				scheduled_downgrade_to = ?27, scheduled_downgrade_date = ?28,
				customer_portal_url = ?29, update_payment_method_url = ?30, provider_updated_at = ?31,
				version = version + 1, updated_at = ?33
			WHERE user_id = ?1 AND version = ?32`,
			args...)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return subscription.ErrDuplicateSubscriptionID
		}
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if n == 0 {
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
		where = `scheduled_downgrade_to <> '' AND scheduled_downgrade_date <= ?`
		order = `scheduled_downgrade_date`
	case subscription.QueryDiscountsExpired:
		where = `discount_end_date <= ?`
		order = `discount_end_date`
	case subscription.QueryDiscountsUnsynced:
		where = `discount_end_date > ? AND provider_price_synced = 0`
		order = `discount_end_date`
	default:
		return nil, fmt.Errorf("unsupported query kind %d", q.Kind)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where +
		` ORDER BY ` + order + `, user_id`
	args := []any{formatTime(q.AsOf)}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	var (
		settings  subscription.UserSettings
		endsAt    sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, subscription_status, subscription_plan, subscription_ends_at,
				customer_id, subscription_id, has_used_trial, updated_at
			FROM user_settings WHERE user_id = ?`,
		userID).Scan(
		&settings.UserID,
		&settings.SubscriptionStatus,
		&settings.SubscriptionPlan,
		&endsAt,
		&settings.CustomerID,
		&settings.SubscriptionID,
		&settings.HasUsedTrial,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}

	d := decoder{}
	settings.SubscriptionEndsAt = d.optional(endsAt)
	settings.UpdatedAt = d.required(updatedAt)
	if d.err != nil {
		return nil, d.err
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, subscription_status, subscription_plan, subscription_ends_at,
				customer_id, subscription_id, has_used_trial, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				subscription_status = excluded.subscription_status,
				subscription_plan = excluded.subscription_plan,
				subscription_ends_at = excluded.subscription_ends_at,
				customer_id = excluded.customer_id,
				subscription_id = excluded.subscription_id,
				has_used_trial = MAX(user_settings.has_used_trial, excluded.has_used_trial),
				updated_at = excluded.updated_at`,
		settings.UserID, string(settings.SubscriptionStatus), string(settings.SubscriptionPlan),
		formatOptional(settings.SubscriptionEndsAt), settings.CustomerID, settings.SubscriptionID,
		settings.HasUsedTrial, formatTime(updatedAt),
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

	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal history metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	var amount sql.NullInt64
	if event.AmountCents != nil {
		amount = sql.NullInt64{Int64: *event.AmountCents, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_history (id, user_id, event_type, description, from_plan, to_plan,
				amount_cents, currency, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, string(event.EventType), event.Description,
		string(event.FromPlan), string(event.ToPlan), amount, event.Currency,
		metadata, formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory implements subscription.Store
func (s *Storage) ListHistory(ctx context.Context, userID string, limit int) ([]*subscription.HistoryEvent, error) {
	query := `SELECT id, user_id, event_type, description, from_plan, to_plan,
			amount_cents, currency, metadata, created_at
		FROM subscription_history WHERE user_id = ?
		ORDER BY created_at DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	events := []*subscription.HistoryEvent{}
	for rows.Next() {
		var (
			event     subscription.HistoryEvent
			amount    sql.NullInt64
			metadata  sql.NullString
			createdAt string
		)
		if err := rows.Scan(
			&event.ID, &event.UserID, &event.EventType, &event.Description,
			&event.FromPlan, &event.ToPlan, &amount, &event.Currency,
			&metadata, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if amount.Valid {
			v := amount.Int64
			event.AmountCents = &v
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode history metadata: %w", err)
			}
		}
		d := decoder{}
		event.CreatedAt = d.required(createdAt)
		if d.err != nil {
			return nil, d.err
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptional(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// decoder parses stored timestamps, keeping the first error.
type decoder struct {
	err error
}

func (d *decoder) required(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t
}

func (d *decoder) optional(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := d.required(s.String)
	return &t
}
