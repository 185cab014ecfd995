package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CachedSubscriptions is a read-through cache in front of a SubscriptionStore.
// It serves the hot read-only predicates (limit resolution, active checks);
// every write path invalidates, and WithLock always goes to the underlying
// store so the atomic increment never reads stale data.
type CachedSubscriptions struct {
	SubscriptionStore

	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewCachedSubscriptions wraps the store with a Redis cache. Cache errors are
// logged and degrade to plain store reads; the cache is never authoritative.
func NewCachedSubscriptions(store SubscriptionStore, client *redis.Client, ttl time.Duration, log *slog.Logger) *CachedSubscriptions {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedSubscriptions{
		SubscriptionStore: store,
		client:            client,
		ttl:               ttl,
		log:               log,
	}
}

func cacheKey(accountID uuid.UUID) string {
	return "entitlements:subscription:" + accountID.String()
}

func (c *CachedSubscriptions) Get(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	key := cacheKey(accountID)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err == nil {
			return &sub, nil
		}
		// Corrupt entry: drop it and fall through to the store.
		_ = c.client.Del(ctx, key).Err()
	} else if err != redis.Nil {
		c.log.WarnContext(ctx, "subscription cache read failed", "account_id", accountID, "error", err)
	}

	sub, err := c.SubscriptionStore.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(sub); err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.log.WarnContext(ctx, "subscription cache write failed", "account_id", accountID, "error", err)
		}
	}

	return sub, nil
}

func (c *CachedSubscriptions) invalidate(ctx context.Context, accountID uuid.UUID) {
	if err := c.client.Del(ctx, cacheKey(accountID)).Err(); err != nil {
		c.log.WarnContext(ctx, "subscription cache invalidation failed", "account_id", accountID, "error", err)
	}
}

func (c *CachedSubscriptions) Create(ctx context.Context, sub *Subscription) error {
	if err := c.SubscriptionStore.Create(ctx, sub); err != nil {
		return err
	}
	c.invalidate(ctx, sub.AccountID)
	return nil
}

func (c *CachedSubscriptions) Update(ctx context.Context, sub *Subscription) error {
	if err := c.SubscriptionStore.Update(ctx, sub); err != nil {
		return err
	}
	c.invalidate(ctx, sub.AccountID)
	return nil
}

func (c *CachedSubscriptions) WithLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, sub *Subscription) error) error {
	err := c.SubscriptionStore.WithLock(ctx, accountID, fn)
	if err == nil {
		c.invalidate(ctx, accountID)
	}
	return err
}

var _ SubscriptionStore = (*CachedSubscriptions)(nil)
