// Package cache provides per-user feature flag result caches with TTL
// freshness, a longer staleness window for degraded fallback, and
// definition-version invalidation. The in-process FlagCache is the default;
// RedisFlagCache shares results across processes with the same semantics.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultStaleWindow bounds how old a result may be and still serve as a
// degraded fallback when the primary evaluation path fails.
const DefaultStaleWindow = time.Hour

// Result is one cached flag outcome: the evaluated value (bool or variant
// key) and its payload, if the flag carries one.
type Result struct {
	Value   any    `json:"value"`
	Payload string `json:"payload,omitempty"`
}

// ResultCache stores evaluated flag results per (distinct ID, flag key).
// Implementations fail open: a backend error is a cache miss on reads and a
// no-op on writes, never an error to the caller.
type ResultCache interface {
	// GetCachedFlag returns a result only while it is fresh: younger than
	// the cache TTL and stored under the current definition version.
	GetCachedFlag(ctx context.Context, distinctID, flagKey string, currentVersion int) (Result, bool)

	// GetStaleCachedFlag returns a result of any version younger than
	// maxStaleAge. Only for fallback after the primary path failed.
	GetStaleCachedFlag(ctx context.Context, distinctID, flagKey string, maxStaleAge time.Duration) (Result, bool)

	// SetCachedFlag stores a result under the given definition version.
	SetCachedFlag(ctx context.Context, distinctID, flagKey string, result Result, version int)

	// InvalidateVersion drops every entry stored under oldVersion. Called
	// after a definition reload with the superseded version number.
	InvalidateVersion(ctx context.Context, oldVersion int)
}

type cacheEntry struct {
	result   Result
	version  int
	storedAt time.Time
}

type userEntry struct {
	flags      map[string]cacheEntry
	lastAccess time.Time
}

// FlagCache is the in-process ResultCache: a mutex-guarded two-level map of
// distinct ID to flag key, LRU-bounded by distinct user count. When inserting
// a user would exceed maxUsers, the least-recently-accessed fifth of users is
// evicted.
type FlagCache struct {
	mu       sync.Mutex
	users    map[string]*userEntry
	maxUsers int
	ttl      time.Duration

	now func() time.Time
}

// NewFlagCache returns a cache tracking at most maxUsers distinct IDs whose
// entries stay fresh for ttl.
func NewFlagCache(maxUsers int, ttl time.Duration) *FlagCache {
	return &FlagCache{
		users:    make(map[string]*userEntry),
		maxUsers: maxUsers,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (c *FlagCache) GetCachedFlag(_ context.Context, distinctID, flagKey string, currentVersion int) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.users[distinctID]
	if !ok {
		return Result{}, false
	}
	entry, ok := user.flags[flagKey]
	if !ok {
		return Result{}, false
	}

	now := c.now()
	if now.Sub(entry.storedAt) >= c.ttl || entry.version != currentVersion {
		return Result{}, false
	}

	user.lastAccess = now
	return entry.result, true
}

func (c *FlagCache) GetStaleCachedFlag(_ context.Context, distinctID, flagKey string, maxStaleAge time.Duration) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.users[distinctID]
	if !ok {
		return Result{}, false
	}
	entry, ok := user.flags[flagKey]
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(entry.storedAt) >= maxStaleAge {
		return Result{}, false
	}
	return entry.result, true
}

func (c *FlagCache) SetCachedFlag(_ context.Context, distinctID, flagKey string, result Result, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	user, ok := c.users[distinctID]
	if !ok {
		if len(c.users) >= c.maxUsers {
			c.evictLocked()
		}
		user = &userEntry{flags: make(map[string]cacheEntry)}
		c.users[distinctID] = user
	}
	user.lastAccess = now
	user.flags[flagKey] = cacheEntry{result: result, version: version, storedAt: now}
}

func (c *FlagCache) InvalidateVersion(_ context.Context, oldVersion int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, user := range c.users {
		for key, entry := range user.flags {
			if entry.version == oldVersion {
				delete(user.flags, key)
			}
		}
		if len(user.flags) == 0 {
			delete(c.users, id)
		}
	}
}

// Len reports the number of distinct users currently tracked.
func (c *FlagCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

// evictLocked removes the least-recently-accessed 20% of users, at least
// one, making room for a new distinct ID. Caller holds c.mu.
func (c *FlagCache) evictLocked() {
	type access struct {
		id   string
		last time.Time
	}
	byAge := make([]access, 0, len(c.users))
	for id, user := range c.users {
		byAge = append(byAge, access{id: id, last: user.lastAccess})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].last.Before(byAge[j].last) })

	n := len(c.users) / 5
	if n < 1 {
		n = 1
	}
	for _, victim := range byAge[:n] {
		delete(c.users, victim.id)
	}
}
