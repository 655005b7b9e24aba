package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rewired-gh/polyalert/internal/models"
)

// Backend is the persistence surface shared by the SQLite and Redis stores.
type Backend interface {
	AddSubscription(ctx context.Context, sub models.Subscription) error
	RemoveSubscription(ctx context.Context, key models.SubscriptionKey) error
	RemoveMarketSubscriptions(ctx context.Context, marketID string) (int, error)
	ListSubscriptions(ctx context.Context, kind models.SubscriptionKind) ([]models.Subscription, error)
	ListUserSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error)
	LoadWatermark(ctx context.Context, domain models.Domain) (models.Watermark, error)
	CommitWatermark(ctx context.Context, domain models.Domain, wm models.Watermark) error
	RecordDeliveryFailure(ctx context.Context, f models.DeliveryFailure) error
	ListDeliveryFailures(ctx context.Context, limit int) ([]models.DeliveryFailure, error)
	Close() error
}

var (
	_ Backend = (*Storage)(nil)
	_ Backend = (*RedisStorage)(nil)
)

// commitScript swaps in a new watermark only if the stored version matches
// ARGV[1]. A missing key counts as version 0.
const commitScript = `
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'version', tostring(tonumber(ARGV[1]) + 1), 'payload', ARGV[2])
return 1
`

// RedisStorage keeps subscriptions in one hash per kind, each watermark in
// its own hash and delivery failures in a capped list.
type RedisStorage struct {
	client      *redis.Client
	prefix      string
	maxFailures int
}

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	MaxFailures int
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageErr("connect to redis", err)
	}
	return NewRedis(client, opts.Prefix, opts.MaxFailures), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, maxFailures int) *RedisStorage {
	if prefix == "" {
		prefix = "polyalert"
	}
	return &RedisStorage{client: client, prefix: prefix, maxFailures: maxFailures}
}

// Close closes the Redis client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) subsKey(kind models.SubscriptionKind) string {
	return fmt.Sprintf("%s:subs:%s", r.prefix, kind)
}

func (r *RedisStorage) watermarkKey(domain models.Domain) string {
	return fmt.Sprintf("%s:watermark:%s", r.prefix, domain)
}

func (r *RedisStorage) failuresKey() string {
	return r.prefix + ":delivery_failures"
}

// AddSubscription stores sub unless a subscription with the same key exists.
func (r *RedisStorage) AddSubscription(ctx context.Context, sub models.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return storageErr("encode subscription", err)
	}
	ok, err := r.client.HSetNX(ctx, r.subsKey(sub.Kind), sub.Key().String(), data).Result()
	if err != nil {
		return storageErr("insert subscription", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrDuplicateSubscription, sub.Key())
	}
	return nil
}

// RemoveSubscription deletes the subscription with the given key.
func (r *RedisStorage) RemoveSubscription(ctx context.Context, key models.SubscriptionKey) error {
	n, err := r.client.HDel(ctx, r.subsKey(key.Kind), key.String()).Result()
	if err != nil {
		return storageErr("delete subscription", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: subscription %s", models.ErrNotFound, key)
	}
	return nil
}

// RemoveMarketSubscriptions deletes every threshold subscription on marketID.
func (r *RedisStorage) RemoveMarketSubscriptions(ctx context.Context, marketID string) (int, error) {
	subs, err := r.ListSubscriptions(ctx, models.KindLiquidityThreshold)
	if err != nil {
		return 0, err
	}
	var fields []string
	for i := range subs {
		if subs[i].MarketID == marketID {
			fields = append(fields, subs[i].Key().String())
		}
	}
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := r.client.HDel(ctx, r.subsKey(models.KindLiquidityThreshold), fields...).Result()
	if err != nil {
		return 0, storageErr("delete market subscriptions", err)
	}
	return int(n), nil
}

// ListSubscriptions returns a snapshot of all subscriptions of one kind,
// ordered by market, user and channel.
func (r *RedisStorage) ListSubscriptions(ctx context.Context, kind models.SubscriptionKind) ([]models.Subscription, error) {
	vals, err := r.client.HGetAll(ctx, r.subsKey(kind)).Result()
	if err != nil {
		return nil, storageErr("query subscriptions", err)
	}
	subs := make([]models.Subscription, 0, len(vals))
	for field, raw := range vals {
		var sub models.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, storageErr("decode subscription "+field, err)
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Channel < b.Channel
	})
	return subs, nil
}

// ListUserSubscriptions returns every subscription held by userID.
func (r *RedisStorage) ListUserSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, kind := range []models.SubscriptionKind{models.KindNewMarket, models.KindLiquidityThreshold} {
		subs, err := r.ListSubscriptions(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			if sub.UserID == userID {
				out = append(out, sub)
			}
		}
	}
	if out == nil {
		out = []models.Subscription{}
	}
	return out, nil
}

// LoadWatermark returns the stored watermark for domain, or an empty one with
// Version 0.
func (r *RedisStorage) LoadWatermark(ctx context.Context, domain models.Domain) (models.Watermark, error) {
	vals, err := r.client.HGetAll(ctx, r.watermarkKey(domain)).Result()
	if err != nil {
		return models.Watermark{}, storageErr("load watermark", err)
	}
	if len(vals) == 0 {
		return models.NewWatermark(), nil
	}
	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return models.Watermark{}, storageErr("decode watermark version", err)
	}
	wm, err := models.UnmarshalWatermark(version, []byte(vals["payload"]))
	if err != nil {
		return models.Watermark{}, storageErr("decode watermark", err)
	}
	return wm, nil
}

// CommitWatermark atomically replaces the watermark if its stored version
// still equals wm.Version.
func (r *RedisStorage) CommitWatermark(ctx context.Context, domain models.Domain, wm models.Watermark) error {
	payload, err := wm.MarshalPayload()
	if err != nil {
		return storageErr("encode watermark", err)
	}
	swapped, err := r.client.Eval(ctx, commitScript,
		[]string{r.watermarkKey(domain)},
		strconv.FormatInt(wm.Version, 10), string(payload),
	).Int64()
	if err != nil {
		return storageErr("commit watermark", err)
	}
	if swapped == 0 {
		return fmt.Errorf("%w: watermark %s moved past version %d", models.ErrConcurrentModification, domain, wm.Version)
	}
	return nil
}

// RecordDeliveryFailure pushes f onto the failure list and trims it to the
// newest maxFailures entries.
func (r *RedisStorage) RecordDeliveryFailure(ctx context.Context, f models.DeliveryFailure) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.FailedAt.IsZero() {
		f.FailedAt = time.Now()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return storageErr("encode delivery failure", err)
	}
	if err := r.client.LPush(ctx, r.failuresKey(), data).Err(); err != nil {
		return storageErr("insert delivery failure", err)
	}
	if err := r.client.LTrim(ctx, r.failuresKey(), 0, int64(r.maxFailures-1)).Err(); err != nil {
		return storageErr("enforce failure cap", err)
	}
	return nil
}

// ListDeliveryFailures returns up to limit newest failure records.
func (r *RedisStorage) ListDeliveryFailures(ctx context.Context, limit int) ([]models.DeliveryFailure, error) {
	if limit <= 0 {
		return []models.DeliveryFailure{}, nil
	}
	vals, err := r.client.LRange(ctx, r.failuresKey(), 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storageErr("query delivery failures", err)
	}
	failures := make([]models.DeliveryFailure, 0, len(vals))
	for _, raw := range vals {
		var f models.DeliveryFailure
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, storageErr("decode delivery failure", err)
		}
		failures = append(failures, f)
	}
	return failures, nil
}
