// Package config loads subsyncd configuration from a .env file, an optional
// config file and SUBSYNC_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "SUBSYNC"

// Config holds application configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Billing BillingConfig `mapstructure:"billing"`
	Pricing PricingConfig `mapstructure:"pricing"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
	Events  EventsConfig  `mapstructure:"events"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit is requests per second per user on the API; 0 disables it.
	RateLimit   float64  `mapstructure:"rate_limit"`
	RateBurst   int      `mapstructure:"rate_burst"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// StorageConfig selects and configures the subscription store.
type StorageConfig struct {
	Driver           string        `mapstructure:"driver"`
	DSN              string        `mapstructure:"dsn"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	Tiered           bool          `mapstructure:"tiered"`
	FirestoreProject string        `mapstructure:"firestore_project"`
	Timeout          time.Duration `mapstructure:"timeout"`
	// Breaker wraps the store in a circuit breaker.
	Breaker bool `mapstructure:"breaker"`
}

// BillingConfig configures the billing provider.
type BillingConfig struct {
	Provider              string        `mapstructure:"provider"`
	APIKey                string        `mapstructure:"api_key"`
	WebhookSecret         string        `mapstructure:"webhook_secret"`
	MonthlyVariantID      string        `mapstructure:"monthly_variant_id"`
	AnnualVariantID       string        `mapstructure:"annual_variant_id"`
	DiscountedVariantID   string        `mapstructure:"discounted_variant_id"`
	UnmappedVariantPolicy string        `mapstructure:"unmapped_variant_policy"`
	Timeout               time.Duration `mapstructure:"timeout"`
	WebhookRateLimit      float64       `mapstructure:"webhook_rate_limit"`
}

// PricingConfig holds list prices in cents.
type PricingConfig struct {
	MonthlyCents int64  `mapstructure:"monthly_cents"`
	AnnualCents  int64  `mapstructure:"annual_cents"`
	Currency     string `mapstructure:"currency"`
}

// AuthConfig selects the identity provider.
type AuthConfig struct {
	Provider            string `mapstructure:"provider"`
	ClerkSecretKey      string `mapstructure:"clerk_secret_key"`
	FirebaseProject     string `mapstructure:"firebase_project"`
	FirebaseCredentials string `mapstructure:"firebase_credentials"`
}

// SweeperConfig configures deferred work.
type SweeperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// EventsConfig configures history fan-out. Empty AMQPURL disables it.
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

var defaults = map[string]any{
	"http.addr":          ":8080",
	"http.read_timeout":  15 * time.Second,
	"http.write_timeout": 30 * time.Second,
	"http.rate_limit":    5.0,
	"http.rate_burst":    10,
	"http.cors_origins":  []string{},

	"log.level":  "info",
	"log.format": "json",

	"storage.driver":            "memory",
	"storage.dsn":               "",
	"storage.redis_addr":        "",
	"storage.tiered":            false,
	"storage.firestore_project": "",
	"storage.timeout":           5 * time.Second,
	"storage.breaker":           true,

	"billing.provider":                "lemonsqueezy",
	"billing.api_key":                 "",
	"billing.webhook_secret":          "",
	"billing.monthly_variant_id":      "",
	"billing.annual_variant_id":       "",
	"billing.discounted_variant_id":   "",
	"billing.unmapped_variant_policy": "quarantine",
	"billing.timeout":                 15 * time.Second,
	"billing.webhook_rate_limit":      10.0,

	"pricing.monthly_cents": 999,
	"pricing.annual_cents":  9999,
	"pricing.currency":      "USD",

	"auth.provider":             "clerk",
	"auth.clerk_secret_key":     "",
	"auth.firebase_project":     "",
	"auth.firebase_credentials": "",

	"sweeper.enabled":    true,
	"sweeper.interval":   time.Hour,
	"sweeper.batch_size": 100,

	"events.amqp_url": "",
	"events.exchange": "subsync.subscription.events",
}

// Load reads configuration. file may name a config file explicitly;
// otherwise subsync.{yaml,toml,json} is looked up in . and /etc/subsync and
// is optional.
func Load(file string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("subsync")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/subsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports missing secrets and unknown drivers.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for driver \"redis\""))
		}
	case "firestore":
		if c.Storage.FirestoreProject == "" {
			errs = append(errs, errors.New("storage.firestore_project is required for driver \"firestore\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Storage.Tiered {
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required when storage.tiered is set"))
		}
		if c.Storage.Driver == "memory" || c.Storage.Driver == "redis" {
			errs = append(errs, fmt.Errorf("storage.tiered needs a durable driver, got %q", c.Storage.Driver))
		}
	}

	switch c.Billing.Provider {
	case "lemonsqueezy", "stripe":
	default:
		errs = append(errs, fmt.Errorf("unknown billing.provider %q", c.Billing.Provider))
	}
	if c.Billing.APIKey == "" {
		errs = append(errs, errors.New("billing.api_key is required"))
	}
	if c.Billing.WebhookSecret == "" {
		errs = append(errs, errors.New("billing.webhook_secret is required"))
	}
	if c.Billing.MonthlyVariantID == "" || c.Billing.AnnualVariantID == "" {
		errs = append(errs, errors.New("billing.monthly_variant_id and billing.annual_variant_id are required"))
	}
	switch c.Billing.UnmappedVariantPolicy {
	case "", "quarantine", "default_pro":
	default:
		errs = append(errs, fmt.Errorf("unknown billing.unmapped_variant_policy %q", c.Billing.UnmappedVariantPolicy))
	}

	switch c.Auth.Provider {
	case "clerk":
		if c.Auth.ClerkSecretKey == "" {
			errs = append(errs, errors.New("auth.clerk_secret_key is required for provider \"clerk\""))
		}
	case "firebase":
		if c.Auth.FirebaseProject == "" {
			errs = append(errs, errors.New("auth.firebase_project is required for provider \"firebase\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.provider %q", c.Auth.Provider))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ValidateStorage checks only the storage section; the migrate command
// needs nothing else.
func (c *Config) ValidateStorage() error {
	candidate := *c
	candidate.Billing = BillingConfig{Provider: "lemonsqueezy", APIKey: "-", WebhookSecret: "-", MonthlyVariantID: "-", AnnualVariantID: "-"}
	candidate.Auth = AuthConfig{Provider: "firebase", FirebaseProject: "-"}
	candidate.Log = LogConfig{Format: "json"}
	return candidate.Validate()
}
