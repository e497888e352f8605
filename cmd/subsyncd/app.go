package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/events/rabbitmq"
	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/auth/clerk"
	"github.com/mihaimyh/subsync/pkg/auth/firebase"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/lemonsqueezy"
	prommetrics "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/lifecycle"
	"github.com/mihaimyh/subsync/pkg/subscription"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subscription/logger/zerolog"
	firestorestore "github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	redisstore "github.com/mihaimyh/subsync/storage/redis"
	"github.com/mihaimyh/subsync/storage/sqlite"
	"github.com/mihaimyh/subsync/storage/tiered"
)

const metricsNamespace = "subsync"

type pinger interface {
	Ping(ctx context.Context) error
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type migrator interface {
	Migrate(ctx context.Context) error
}

// backend is the opened store and the connections behind it.
type backend struct {
	store subscription.Store
	// migrator is the durable store when it owns a schema.
	migrator migrator
	redis    goredis.UniversalClient
	checks   map[string]pinger
	closers  []func() error
}

func (b *backend) Close() error {
	var errs []error
	for _, c := range slices.Backward(b.closers) {
		errs = append(errs, c())
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger subscription.Logger) (_ *backend, err error) {
	b := &backend{checks: make(map[string]pinger)}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		b.redis = client
		b.closers = append(b.closers, client.Close)
		b.checks["redis"] = pingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	var primary subscription.Store
	switch cfg.Driver {
	case "memory":
		primary = memory.New()
	case "postgres":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DSN
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		b.closers = append(b.closers, func() error { store.Close(); return nil })
		b.checks["postgres"] = store
		primary = store
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		b.checks["sqlite"] = store
		primary = store
	case "redis":
		if b.redis == nil {
			return nil, errors.New("redis driver requires storage.redis_addr")
		}
		store, err := redisstore.New(b.redis, redisstore.DefaultConfig())
		if err != nil {
			return nil, err
		}
		primary = store
	case "firestore":
		client, err := gfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		store, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			return nil, err
		}
		primary = store
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	b.migrator, _ = primary.(migrator)

	if cfg.Tiered {
		if b.redis == nil {
			return nil, errors.New("tiered storage requires storage.redis_addr")
		}
		cache, err := redisstore.NewCache(b.redis, redisstore.CacheConfig{})
		if err != nil {
			return nil, err
		}
		store, err := tiered.New(tiered.Config{
			Hot:            cache,
			Cold:           primary,
			AsyncCacheFill: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("cache fill failed", subscription.F("error", err.Error()))
			},
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		primary = store
	}

	b.store = primary
	return b, nil
}

// app holds every long-lived component of the daemon.
type app struct {
	cfg      *config.Config
	logger   subscription.Logger
	registry *prometheus.Registry
	metrics  *prommetrics.Metrics
	backend  *backend
	manager  *subscription.Manager
	provider billing.Provider
	service  *lifecycle.Service
	sweeper  *lifecycle.Sweeper
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   zerologadapter.NewLogger(log),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = prommetrics.NewMetrics(a.registry, metricsNamespace)

	a.backend, err = openBackend(ctx, cfg.Storage, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.backend.Close)

	store := a.backend.store
	if cfg.Storage.Breaker {
		store = subscription.NewCircuitBreakerStore(store, subscription.BreakerSettings{
			Metrics: a.metrics,
			Logger:  a.logger,
		})
	}

	var publisher subscription.HistoryPublisher
	if cfg.Events.AMQPURL != "" {
		p, err := rabbitmq.Dial(rabbitmq.Config{
			URL:      cfg.Events.AMQPURL,
			Exchange: cfg.Events.Exchange,
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		publisher = p
	}

	a.manager, err = subscription.NewManager(store, subscription.Config{
		Logger:       a.logger,
		Metrics:      a.metrics,
		Publisher:    publisher,
		StoreTimeout: cfg.Storage.Timeout,
	})
	if err != nil {
		return nil, err
	}

	plans := billing.PlanMapping{
		MonthlyVariantID:           cfg.Billing.MonthlyVariantID,
		AnnualVariantID:            cfg.Billing.AnnualVariantID,
		DiscountedMonthlyVariantID: cfg.Billing.DiscountedVariantID,
		Unmapped:                   billing.UnmappedPolicy(cfg.Billing.UnmappedVariantPolicy),
	}
	if err := plans.Validate(); err != nil {
		return nil, err
	}

	a.provider, err = newProvider(cfg.Billing, billing.Config{
		Manager:          a.manager,
		Plans:            plans,
		WebhookSecret:    cfg.Billing.WebhookSecret,
		APIKey:           cfg.Billing.APIKey,
		HTTPClient:       &http.Client{Timeout: cfg.Billing.Timeout},
		Metrics:          a.metrics,
		Logger:           a.logger,
		WebhookRateLimit: cfg.Billing.WebhookRateLimit,
	})
	if err != nil {
		return nil, err
	}

	a.service, err = lifecycle.NewService(lifecycle.Config{
		Manager: a.manager,
		Client:  billing.NewBreakerClient(a.provider.Client(), billing.BreakerSettings{Logger: a.logger}),
		Plans:   plans,
		Pricing: lifecycle.Pricing{
			MonthlyCents: cfg.Pricing.MonthlyCents,
			AnnualCents:  cfg.Pricing.AnnualCents,
			Currency:     cfg.Pricing.Currency,
		},
		ProviderTimeout: cfg.Billing.Timeout,
		Logger:          a.logger,
		Metrics:         a.metrics,
	})
	if err != nil {
		return nil, err
	}

	var locker lifecycle.Locker
	if a.backend.redis != nil {
		l, err := redisstore.NewLocker(a.backend.redis)
		if err != nil {
			return nil, err
		}
		locker = l
	}
	a.sweeper, err = lifecycle.NewSweeper(lifecycle.SweeperConfig{
		Service:   a.service,
		Interval:  cfg.Sweeper.Interval,
		BatchSize: cfg.Sweeper.BatchSize,
		Locker:    locker,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newProvider(cfg config.BillingConfig, billingConfig billing.Config) (billing.Provider, error) {
	switch cfg.Provider {
	case "lemonsqueezy":
		return lemonsqueezy.NewProvider(billingConfig)
	case "stripe":
		return stripe.NewProvider(billingConfig)
	default:
		return nil, fmt.Errorf("%w: %q", billing.ErrProviderNotConfigured, cfg.Provider)
	}
}

func newAuthenticator(ctx context.Context, cfg config.AuthConfig) (auth.Authenticator, error) {
	switch cfg.Provider {
	case "clerk":
		return clerk.New(cfg.ClerkSecretKey)
	case "firebase":
		return firebase.New(ctx, firebase.Config{
			ProjectID:       cfg.FirebaseProject,
			CredentialsFile: cfg.FirebaseCredentials,
		})
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.Provider)
	}
}
