// Package redis provides a Redis implementation of the subscription.Store interface.
// Writes that must be atomic (versioned saves, the external id index and the
// trial latch) run as Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	scriptConflict  = -1
	scriptDuplicate = -2
)

// Storage implements subscription.Store using Redis.
//
// Each subscription is a hash holding its version, external id and JSON
// body. Sorted sets keyed by date index scheduled downgrades and discount
// end dates for the sweeper queries. The save script derives the external id
// keys itself, so on Redis Cluster KeyPrefix must carry a hash tag
// (for example "{subsync}:").
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// MaxHistory caps the history kept per user (0 = unlimited)
	MaxHistory int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "subsync:",
		MaxHistory: 0,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Versioned save. Returns the new version, -1 on a version conflict and
	// -2 when the external id belongs to another user.
	s.scripts["save"] = redis.NewScript(`
		local subKey = KEYS[1]
		local downgradeKey = KEYS[2]
		local discountKey = KEYS[3]
		local expected = tonumber(ARGV[1])
		local userID = ARGV[2]
		local newExt = ARGV[3]
		local extPrefix = ARGV[4]
		local data = ARGV[5]
		local downgradeScore = ARGV[6]
		local discountScore = ARGV[7]

		local current = redis.call('HGET', subKey, 'v')
		if expected == 0 then
			if current then
				return -1
			end
		elseif not current or tonumber(current) ~= expected then
			return -1
		end

		if newExt ~= '' then
			local owner = redis.call('GET', extPrefix .. newExt)
			if owner and owner ~= userID then
				return -2
			end
		end

		local oldExt = redis.call('HGET', subKey, 'ext')
		if oldExt and oldExt ~= '' and oldExt ~= newExt then
			redis.call('DEL', extPrefix .. oldExt)
		end
		if newExt ~= '' then
			redis.call('SET', extPrefix .. newExt, userID)
		end

		local version = expected + 1
		redis.call('HSET', subKey, 'v', version, 'ext', newExt, 'data', data)

		if downgradeScore ~= '' then
			redis.call('ZADD', downgradeKey, downgradeScore, userID)
		else
			redis.call('ZREM', downgradeKey, userID)
		end
		if discountScore ~= '' then
			redis.call('ZADD', discountKey, discountScore, userID)
		else
			redis.call('ZREM', discountKey, userID)
		end

		return version
	`)

	// Settings upsert; the trial flag never goes back to 0.
	s.scripts["settings"] = redis.NewScript(`
		local trial = ARGV[2]
		if redis.call('HGET', KEYS[1], 'trial') == '1' then
			trial = '1'
		end
		redis.call('HSET', KEYS[1], 'data', ARGV[1], 'trial', trial)
		return trial
	`)

	// History append. The member is prefixed with a per-user sequence so
	// events sharing a timestamp keep insertion order.
	s.scripts["history"] = redis.NewScript(`
		local seq = redis.call('INCR', KEYS[2])
		local member = string.format('%020d', seq) .. '|' .. ARGV[2]
		redis.call('ZADD', KEYS[1], ARGV[1], member)
		local max = tonumber(ARGV[3])
		if max > 0 then
			redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -(max + 1))
		end
		return seq
	`)
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	values, err := s.client.HMGet(ctx, s.subscriptionKey(userID), "v", "data").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(values)
}

// GetSubscriptionByExternalID implements subscription.Store
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	userID, err := s.client.Get(ctx, s.externalKey(subscriptionID)).Result()
	if err == redis.Nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription id: %w", err)
	}
	return s.GetSubscription(ctx, userID)
}

// SaveSubscription implements subscription.Store
func (s *Storage) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	now := time.Now().UTC()
	stored := sub.Clone()
	stored.Version = sub.Version + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	var downgradeScore, discountScore string
	if stored.DowngradeScheduled() {
		downgradeScore = score(*stored.ScheduledDowngradeDate)
	}
	if stored.DiscountEndDate != nil {
		discountScore = score(*stored.DiscountEndDate)
	}

	result, err := s.scripts["save"].Run(ctx, s.client,
		[]string{s.subscriptionKey(sub.UserID), s.indexKey("downgrades"), s.indexKey("discounts")},
		sub.Version, sub.UserID, sub.SubscriptionID, s.externalKey(""), data, downgradeScore, discountScore,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	switch result {
	case scriptConflict:
		return subscription.ErrVersionConflict
	case scriptDuplicate:
		return subscription.ErrDuplicateSubscriptionID
	}

	sub.Version = result
	sub.CreatedAt = stored.CreatedAt
	sub.UpdatedAt = stored.UpdatedAt
	return nil
}

// FindSubscriptions implements subscription.Store
func (s *Storage) FindSubscriptions(ctx context.Context, q subscription.Query) ([]*subscription.Subscription, error) {
	asOf := score(q.AsOf)
	by := &redis.ZRangeBy{Min: "-inf", Max: asOf}

	var index string
	switch q.Kind {
	case subscription.QueryDowngradesDue:
		index = s.indexKey("downgrades")
	case subscription.QueryDiscountsExpired:
		index = s.indexKey("discounts")
	case subscription.QueryDiscountsUnsynced:
		index = s.indexKey("discounts")
		by = &redis.ZRangeBy{Min: "(" + asOf, Max: "+inf"}
	default:
		return nil, fmt.Errorf("unsupported query kind %d", q.Kind)
	}

	// the index order already matches the query order for the first two
	// kinds; the unsynced filter has to see every candidate
	if q.Kind != subscription.QueryDiscountsUnsynced && q.Limit > 0 {
		by.Count = int64(q.Limit)
	}

	userIDs, err := s.client.ZRangeByScore(ctx, index, by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s index: %w", q.Kind, err)
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.HMGet(ctx, s.subscriptionKey(userID), "v", "data")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	rows := make([]*subscription.Subscription, 0, len(cmds))
	for _, cmd := range cmds {
		sub, err := decodeSubscription(cmd.Val())
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, sub)
	}
	return q.Filter(rows), nil
}

// GetUserSettings implements subscription.Store
func (s *Storage) GetUserSettings(ctx context.Context, userID string) (*subscription.UserSettings, error) {
	values, err := s.client.HMGet(ctx, s.settingsKey(userID), "data", "trial").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	data, ok := values[0].(string)
	if !ok {
		return nil, subscription.ErrSettingsNotFound
	}

	var settings subscription.UserSettings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user settings: %w", err)
	}
	trial, _ := values[1].(string)
	settings.HasUsedTrial = trial == "1"
	return &settings, nil
}

// SaveUserSettings implements subscription.Store
func (s *Storage) SaveUserSettings(ctx context.Context, settings *subscription.UserSettings) error {
	if settings == nil || settings.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	stored := *settings
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal user settings: %w", err)
	}

	trial := "0"
	if settings.HasUsedTrial {
		trial = "1"
	}
	if err := s.scripts["settings"].Run(ctx, s.client, []string{s.settingsKey(settings.UserID)}, data, trial).Err(); err != nil {
		return fmt.Errorf("failed to save user settings: %w", err)
	}
	return nil
}

// AppendHistory implements subscription.Store
func (s *Storage) AppendHistory(ctx context.Context, event *subscription.HistoryEvent) error {
	if event == nil || event.UserID == "" {
		return subscription.ErrInvalidUserID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal history event: %w", err)
	}

	err = s.scripts["history"].Run(ctx, s.client,
		[]string{s.historyKey(event.UserID), s.historyKey(event.UserID) + ":seq"},
		score(event.CreatedAt), data, s.config.MaxHistory,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory implements subscription.Store
func (s *Storage) ListHistory(ctx context.Context, userID string, limit int) ([]*subscription.HistoryEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, s.historyKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	events := make([]*subscription.HistoryEvent, 0, len(members))
	for _, member := range members {
		_, data, ok := strings.Cut(member, "|")
		if !ok {
			return nil, fmt.Errorf("malformed history entry for user %s", userID)
		}
		var event subscription.HistoryEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}

func decodeSubscription(values []any) (*subscription.Subscription, error) {
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected subscription hash format")
	}
	version, ok := values[0].(string)
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	data, ok := values[1].(string)
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}

	var sub subscription.Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	v, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subscription version: %w", err)
	}
	sub.Version = v
	return &sub, nil
}

// score maps a time to a sorted set score. Microseconds stay exact in a
// float64 for any realistic date.
func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// subscriptionKey generates the Redis key for a subscription
func (s *Storage) subscriptionKey(userID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, userID)
}

// externalKey generates the Redis key mapping a provider subscription id to a user
func (s *Storage) externalKey(subscriptionID string) string {
	return fmt.Sprintf("%ssubext:%s", s.config.KeyPrefix, subscriptionID)
}

func (s *Storage) settingsKey(userID string) string {
	return fmt.Sprintf("%ssettings:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) historyKey(userID string) string {
	return fmt.Sprintf("%shistory:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) indexKey(name string) string {
	return fmt.Sprintf("%sidx:%s", s.config.KeyPrefix, name)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
