// Package tiered provides a Hot/Cold tiered storage adapter: a fast cache
// (Hot) in front of a durable subscription.Store (Cold) that stays the
// source of truth for versions, indexes and history.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Cache is the hot tier. Put stores values as given, without version checks
// or the trial latch. Misses return the store's not-found errors.
type Cache interface {
	GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
	PutSubscription(ctx context.Context, sub *subscription.Subscription) error
	EvictSubscription(ctx context.Context, userID string) error
	GetUserSettings(ctx context.Context, userID string) (*subscription.UserSettings, error)
	PutUserSettings(ctx context.Context, settings *subscription.UserSettings) error
	EvictUserSettings(ctx context.Context, userID string) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the cache (e.g., Redis, Memory) serving repeat reads
	Hot Cache

	// Cold is the persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold subscription.Store

	// AsyncCacheFill moves cache fills after reads and writes off the request
	// path. Evictions stay synchronous.
	AsyncCacheFill bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a cache operation fails.
	AsyncErrorHandler func(error)
}

// Storage implements subscription.Store over a Hot/Cold pair.
// - Read-Through: subscriptions and settings by user (Hot → Cold → fill Hot)
// - Write-Through: subscription saves (Cold → Hot)
// - Write-Evict: settings saves, version conflicts (Cold, then drop Hot)
// - Cold-Only: external id lookups, sweeper queries, history
type Storage struct {
	hot  Cache
	cold subscription.Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncCacheFill {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncCacheFill {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background fill loop. Jobs run in order, so a later
// fill for the same user always wins.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.report(fmt.Errorf("tiered cache fill failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// fill runs a cache write inline or on the worker.
func (s *Storage) fill(ctx context.Context, job func(context.Context) error) {
	if !s.conf.AsyncCacheFill {
		if err := job(ctx); err != nil {
			s.report(fmt.Errorf("tiered cache fill failed: %w", err))
		}
		return
	}

	// Context without cancel ensures completion even if request cancels
	detached := context.WithoutCancel(ctx)
	select {
	case s.syncQueue <- func() error { return job(detached) }:
	default:
		s.report(errors.New("tiered storage: sync queue full, dropping cache fill"))
	}
}

func (s *Storage) evict(ctx context.Context, job func(context.Context) error) {
	if err := job(ctx); err != nil {
		s.report(fmt.Errorf("tiered cache evict failed: %w", err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscription implements subscription.Store with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	// 1. Try Hot
	sub, err := s.hot.GetSubscription(ctx, userID)
	if err == nil && sub != nil {
		return sub, nil
	}

	// 2. Try Cold (Source of Truth)
	sub, err = s.cold.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	cached := sub.Clone()
	s.fill(ctx, func(ctx context.Context) error { return s.hot.PutSubscription(ctx, cached) })
	return sub, nil
}

// GetUserSettings implements subscription.Store with read-through strategy.
func (s *Storage) GetUserSettings(ctx context.Context, userID string) (*subscription.UserSettings, error) {
	settings, err := s.hot.GetUserSettings(ctx, userID)
	if err == nil && settings != nil {
		return settings, nil
	}

	settings, err = s.cold.GetUserSettings(ctx, userID)
	if err != nil {
		return nil, err
	}

	cached := settings.Clone()
	s.fill(ctx, func(ctx context.Context) error { return s.hot.PutUserSettings(ctx, cached) })
	return settings, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Versions are only checked by Cold.

// SaveSubscription implements subscription.Store with write-through strategy.
func (s *Storage) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	// 1. Write Cold (Durability)
	if err := s.cold.SaveSubscription(ctx, sub); err != nil {
		if errors.Is(err, subscription.ErrVersionConflict) {
			// the caller read a stale row, possibly from Hot
			s.evict(ctx, func(ctx context.Context) error { return s.hot.EvictSubscription(ctx, sub.UserID) })
		}
		return err
	}

	// 2. Write Hot (Availability)
	cached := sub.Clone()
	s.fill(ctx, func(ctx context.Context) error { return s.hot.PutSubscription(ctx, cached) })
	return nil
}

// --- Strategy: Write-Evict ---
// Cold merges the trial latch, so Hot is dropped and refilled on the next read.

// SaveUserSettings implements subscription.Store with write-evict strategy.
func (s *Storage) SaveUserSettings(ctx context.Context, settings *subscription.UserSettings) error {
	if err := s.cold.SaveUserSettings(ctx, settings); err != nil {
		return err
	}
	s.evict(ctx, func(ctx context.Context) error { return s.hot.EvictUserSettings(ctx, settings.UserID) })
	return nil
}

// --- Strategy: Cold-Only ---

// GetSubscriptionByExternalID implements subscription.Store; Hot carries no
// external id index.
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	sub, err := s.cold.GetSubscriptionByExternalID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	cached := sub.Clone()
	s.fill(ctx, func(ctx context.Context) error { return s.hot.PutSubscription(ctx, cached) })
	return sub, nil
}

// FindSubscriptions implements subscription.Store with cold-only strategy.
func (s *Storage) FindSubscriptions(ctx context.Context, q subscription.Query) ([]*subscription.Subscription, error) {
	return s.cold.FindSubscriptions(ctx, q)
}

// AppendHistory implements subscription.Store with cold-only strategy.
func (s *Storage) AppendHistory(ctx context.Context, event *subscription.HistoryEvent) error {
	return s.cold.AppendHistory(ctx, event)
}

// ListHistory implements subscription.Store with cold-only strategy.
func (s *Storage) ListHistory(ctx context.Context, userID string, limit int) ([]*subscription.HistoryEvent, error) {
	return s.cold.ListHistory(ctx, userID, limit)
}

// Ping checks both tiers concurrently when they support it.
func (s *Storage) Ping(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, tier := range map[string]any{"hot": s.hot, "cold": s.cold} {
		p, ok := tier.(interface{ Ping(context.Context) error })
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("%s tier: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
