package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	defaultSweepInterval = time.Hour
	defaultSweepBatch    = 100
	defaultLockTTL       = 5 * time.Minute

	// SweepLockKey is the lock taken around a sweep pass.
	SweepLockKey = "subsync:sweeper"
)

// Locker is a distributed mutual-exclusion lock. TryLock returns ok=false
// without error when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Service *Service

	// Interval between passes in Run. Defaults to 1h.
	Interval time.Duration

	// BatchSize caps the rows processed per query kind and pass.
	// Defaults to 100.
	BatchSize int

	// Locker, when set, makes sure only one process sweeps at a time.
	Locker  Locker
	LockTTL time.Duration

	Logger  subscription.Logger
	Metrics billing.Metrics
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Downgraded int
	// DowngradesDropped counts schedules cleared because the subscription
	// was cancelled or expired before the downgrade came due.
	DowngradesDropped int
	DiscountsExpired  int
	DiscountsSynced   int
	Failed            int
	// Skipped is true when another process held the lock.
	Skipped bool
}

// Sweeper runs deferred work: due downgrades, expired discounts and
// discount prices the provider has not confirmed yet.
//
// Each row is only changed after its provider call succeeded, so a row that
// failed stays selected and is retried on the next pass. Rows that were
// processed no longer match the queries.
type Sweeper struct {
	service  *Service
	interval time.Duration
	batch    int
	locker   Locker
	lockTTL  time.Duration
	logger   subscription.Logger
	metrics  billing.Metrics
}

// NewSweeper creates a new sweeper.
func NewSweeper(config SweeperConfig) (*Sweeper, error) {
	if config.Service == nil {
		return nil, errors.New("lifecycle: sweeper requires a service")
	}
	if config.Interval <= 0 {
		config.Interval = defaultSweepInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultSweepBatch
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaultLockTTL
	}
	if config.Logger == nil {
		config.Logger = config.Service.logger
	}
	if config.Metrics == nil {
		config.Metrics = config.Service.metrics
	}

	return &Sweeper{
		service:  config.Service,
		interval: config.Interval,
		batch:    config.BatchSize,
		locker:   config.Locker,
		lockTTL:  config.LockTTL,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}, nil
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context) error {
	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Sweeper) runOnce(ctx context.Context) {
	report, err := w.Sweep(ctx)
	if err != nil {
		w.logger.Error("subscription sweep failed", subscription.F("error", err.Error()))
		return
	}
	if report.Skipped {
		w.logger.Debug("subscription sweep skipped; lock held elsewhere")
		return
	}
	w.logger.Info("subscription sweep finished",
		subscription.F("downgraded", report.Downgraded),
		subscription.F("downgrades_dropped", report.DowngradesDropped),
		subscription.F("discounts_expired", report.DiscountsExpired),
		subscription.F("discounts_synced", report.DiscountsSynced),
		subscription.F("failed", report.Failed),
	)
}

// Sweep runs a single pass. Per-row failures are logged and counted in the
// report; the returned error is reserved for query and lock failures.
func (w *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if w.locker != nil {
		unlock, ok, err := w.locker.TryLock(ctx, SweepLockKey, w.lockTTL)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("failed to release sweeper lock", subscription.F("error", err.Error()))
			}
		}()
	}

	now := w.service.manager.Now()

	dropped := 0
	n, failed, err := w.pass(ctx, subscription.QueryDowngradesDue, now, func(ctx context.Context, sub *subscription.Subscription) error {
		if subscriptionEnded(sub) {
			if _, err := w.service.dropEndedDowngrade(ctx, sub); err != nil {
				return err
			}
			dropped++
			return nil
		}
		_, err := w.service.ExecuteDowngrade(ctx, sub)
		return err
	})
	if err != nil {
		return report, err
	}
	report.Downgraded, report.DowngradesDropped = n-dropped, dropped
	report.Failed += failed

	n, failed, err = w.pass(ctx, subscription.QueryDiscountsExpired, now, func(ctx context.Context, sub *subscription.Subscription) error {
		_, err := w.service.ExpireDiscount(ctx, sub)
		return err
	})
	if err != nil {
		return report, err
	}
	report.DiscountsExpired, report.Failed = n, report.Failed+failed

	n, failed, err = w.pass(ctx, subscription.QueryDiscountsUnsynced, now, func(ctx context.Context, sub *subscription.Subscription) error {
		synced, err := w.service.syncDiscount(ctx, sub)
		if err == nil && !synced.ProviderPriceSynced {
			return errors.New("provider price still unsynced")
		}
		return err
	})
	if err != nil {
		return report, err
	}
	report.DiscountsSynced, report.Failed = n, report.Failed+failed

	return report, nil
}

func (w *Sweeper) pass(ctx context.Context, kind subscription.QueryKind, now time.Time, fn func(context.Context, *subscription.Subscription) error) (processed, failed int, err error) {
	rows, err := w.service.manager.Find(ctx, subscription.Query{Kind: kind, AsOf: now, Limit: w.batch})
	if err != nil {
		return 0, 0, err
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if err := fn(ctx, row); err != nil {
			failed++
			w.logger.Warn("sweeper failed to process subscription",
				subscription.F("kind", kind.String()),
				subscription.F("user_id", row.UserID),
				subscription.F("subscription_id", row.SubscriptionID),
				subscription.F("error", err.Error()),
			)
			continue
		}
		processed++
	}

	w.metrics.RecordSweep(kind.String(), processed, failed)
	return processed, failed, nil
}
