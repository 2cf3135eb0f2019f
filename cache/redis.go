package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimpse-analytics/glimpse-go/internal/logging"
)

const defaultRedisKeyPrefix = "glimpse:flagcache"

type redisEntry struct {
	Result   Result    `json:"result"`
	Version  int       `json:"version"`
	StoredAt time.Time `json:"stored_at"`
}

// RedisFlagCache is a ResultCache shared across processes through Redis.
// Entries carry their own timestamp and version; Redis key expiry is set to
// the stale window so stale-eligible entries survive exactly as long as they
// are usable. LRU precision is traded for Redis's own eviction policy.
//
// Every backend error is treated as a cache miss (reads) or a no-op
// (writes), logged and never propagated.
type RedisFlagCache struct {
	client      redis.UniversalClient
	keyPrefix   string
	ttl         time.Duration
	staleWindow time.Duration
	log         *slog.Logger

	now func() time.Time
}

// NewRedisFlagCache returns a Redis-backed cache. Entries are fresh for ttl
// and kept for staleWindow (DefaultStaleWindow when zero). A nil logger
// disables logging.
func NewRedisFlagCache(client redis.UniversalClient, ttl, staleWindow time.Duration, log *slog.Logger) *RedisFlagCache {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	if log == nil {
		log = logging.Discard()
	}
	return &RedisFlagCache{
		client:      client,
		keyPrefix:   defaultRedisKeyPrefix,
		ttl:         ttl,
		staleWindow: staleWindow,
		log:         log,
		now:         time.Now,
	}
}

func (c *RedisFlagCache) key(distinctID, flagKey string) string {
	return c.keyPrefix + ":" + distinctID + ":" + flagKey
}

func (c *RedisFlagCache) get(ctx context.Context, distinctID, flagKey string) (redisEntry, bool) {
	data, err := c.client.Get(ctx, c.key(distinctID, flagKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("redis flag cache read failed", "error", err)
		}
		return redisEntry{}, false
	}
	var entry redisEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.log.Warn("redis flag cache entry is corrupt", "error", err)
		return redisEntry{}, false
	}
	return entry, true
}

func (c *RedisFlagCache) GetCachedFlag(ctx context.Context, distinctID, flagKey string, currentVersion int) (Result, bool) {
	entry, ok := c.get(ctx, distinctID, flagKey)
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(entry.StoredAt) >= c.ttl || entry.Version != currentVersion {
		return Result{}, false
	}
	return entry.Result, true
}

func (c *RedisFlagCache) GetStaleCachedFlag(ctx context.Context, distinctID, flagKey string, maxStaleAge time.Duration) (Result, bool) {
	entry, ok := c.get(ctx, distinctID, flagKey)
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(entry.StoredAt) >= maxStaleAge {
		return Result{}, false
	}
	return entry.Result, true
}

func (c *RedisFlagCache) SetCachedFlag(ctx context.Context, distinctID, flagKey string, result Result, version int) {
	entry := redisEntry{Result: result, Version: version, StoredAt: c.now()}
	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("redis flag cache entry not serialisable", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(distinctID, flagKey), data, c.staleWindow).Err(); err != nil {
		c.log.Warn("redis flag cache write failed", "error", err)
	}
}

func (c *RedisFlagCache) InvalidateVersion(ctx context.Context, oldVersion int) {
	iter := c.client.Scan(ctx, 0, c.keyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var entry redisEntry
		if err := json.Unmarshal(data, &entry); err != nil || entry.Version != oldVersion {
			continue
		}
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.log.Warn("redis flag cache invalidation delete failed", "key", key, "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("redis flag cache invalidation scan failed", "error", err)
	}
}
