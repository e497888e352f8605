package postgres

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
	current_period_start      TIMESTAMPTZ,
	current_period_end        TIMESTAMPTZ,
	trial_ends_at             TIMESTAMPTZ,
	renews_at                 TIMESTAMPTZ,
	ends_at                   TIMESTAMPTZ,
	is_paused                 BOOLEAN NOT NULL DEFAULT FALSE,
	pause_start_date          TIMESTAMPTZ,
	pause_end_date            TIMESTAMPTZ,
	pause_duration_days       INTEGER NOT NULL DEFAULT 0,
	discount_percentage       INTEGER NOT NULL DEFAULT 0,
	discount_start_date       TIMESTAMPTZ,
	discount_end_date         TIMESTAMPTZ,
	discount_reason           TEXT NOT NULL DEFAULT '',
	original_price_cents      BIGINT NOT NULL DEFAULT 0,
	discounted_price_cents    BIGINT NOT NULL DEFAULT 0,
	provider_price_synced     BOOLEAN NOT NULL DEFAULT FALSE,
	scheduled_downgrade_to    TEXT NOT NULL DEFAULT '',
	scheduled_downgrade_date  TIMESTAMPTZ,
	customer_portal_url       TEXT NOT NULL DEFAULT '',
	update_payment_method_url TEXT NOT NULL DEFAULT '',
	provider_updated_at       TIMESTAMPTZ,
	version                   BIGINT NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL,
	updated_at                TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS subscriptions_downgrade_due
	ON subscriptions (scheduled_downgrade_date) WHERE scheduled_downgrade_date IS NOT NULL;
CREATE INDEX IF NOT EXISTS subscriptions_discount_end
	ON subscriptions (discount_end_date) WHERE discount_end_date IS NOT NULL;

CREATE TABLE IF NOT EXISTS user_settings (
	user_id              TEXT PRIMARY KEY,
	subscription_status  TEXT NOT NULL DEFAULT '',
	subscription_plan    TEXT NOT NULL DEFAULT '',
	subscription_ends_at TIMESTAMPTZ,
	customer_id          TEXT NOT NULL DEFAULT '',
	subscription_id      TEXT NOT NULL DEFAULT '',
	has_used_trial       BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscription_history (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	user_id      TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	from_plan    TEXT NOT NULL DEFAULT '',
	to_plan      TEXT NOT NULL DEFAULT '',
	amount_cents BIGINT,
	currency     TEXT NOT NULL DEFAULT '',
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS subscription_history_user_created
	ON subscription_history (user_id, created_at DESC, seq DESC);
`
