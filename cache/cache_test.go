package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestCache(maxUsers int, ttl time.Duration) (*FlagCache, *time.Time) {
	c := NewFlagCache(maxUsers, ttl)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestFlagCacheFreshHit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(10, 5*time.Minute)

	c.SetCachedFlag(ctx, "user-1", "beta", Result{Value: "control", Payload: `{"x":1}`}, 3)

	got, ok := c.GetCachedFlag(ctx, "user-1", "beta", 3)
	if !ok {
		t.Fatal("GetCachedFlag() missed immediately after set")
	}
	if got.Value != "control" || got.Payload != `{"x":1}` {
		t.Errorf("GetCachedFlag() = %+v", got)
	}
}

func TestFlagCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(10, 5*time.Minute)

	c.SetCachedFlag(ctx, "user-1", "beta", Result{Value: true}, 1)
	*now = now.Add(5 * time.Minute)

	if _, ok := c.GetCachedFlag(ctx, "user-1", "beta", 1); ok {
		t.Error("GetCachedFlag() hit after TTL expiry")
	}
	// Still usable through the stale path.
	got, ok := c.GetStaleCachedFlag(ctx, "user-1", "beta", time.Hour)
	if !ok || got.Value != true {
		t.Errorf("GetStaleCachedFlag() = %+v, %v; want the expired entry", got, ok)
	}

	*now = now.Add(time.Hour)
	if _, ok := c.GetStaleCachedFlag(ctx, "user-1", "beta", time.Hour); ok {
		t.Error("GetStaleCachedFlag() hit beyond the stale window")
	}
}

func TestFlagCacheVersionMismatch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(10, 5*time.Minute)

	c.SetCachedFlag(ctx, "user-1", "beta", Result{Value: true}, 1)

	if _, ok := c.GetCachedFlag(ctx, "user-1", "beta", 2); ok {
		t.Error("GetCachedFlag() hit across a version change")
	}
	// The stale path ignores versions.
	if _, ok := c.GetStaleCachedFlag(ctx, "user-1", "beta", time.Hour); !ok {
		t.Error("GetStaleCachedFlag() must be version-agnostic")
	}
}

func TestFlagCacheInvalidateVersion(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(10, 5*time.Minute)

	c.SetCachedFlag(ctx, "user-1", "beta", Result{Value: true}, 1)
	c.SetCachedFlag(ctx, "user-1", "gamma", Result{Value: false}, 2)
	c.SetCachedFlag(ctx, "user-2", "beta", Result{Value: true}, 1)

	c.InvalidateVersion(ctx, 1)

	if _, ok := c.GetCachedFlag(ctx, "user-1", "beta", 1); ok {
		t.Error("entry with the invalidated version survived, before TTL expiry")
	}
	if _, ok := c.GetStaleCachedFlag(ctx, "user-1", "beta", time.Hour); ok {
		t.Error("invalidation must remove entries from the stale path too")
	}
	if _, ok := c.GetCachedFlag(ctx, "user-1", "gamma", 2); !ok {
		t.Error("entry with a different version was removed")
	}
	// user-2 only held version-1 entries and should be gone entirely.
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after emptied users are dropped", c.Len())
	}
}

func TestFlagCacheLRUEviction(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(3, 5*time.Minute)

	for i, id := range []string{"user-a", "user-b", "user-c"} {
		*now = now.Add(time.Duration(i) * time.Second)
		c.SetCachedFlag(ctx, id, "beta", Result{Value: true}, 1)
	}

	// Touch user-a so user-b becomes the least recently used.
	*now = now.Add(time.Second)
	if _, ok := c.GetCachedFlag(ctx, "user-a", "beta", 1); !ok {
		t.Fatal("setup: user-a lookup missed")
	}

	*now = now.Add(time.Second)
	c.SetCachedFlag(ctx, "user-d", "beta", Result{Value: true}, 1)

	if _, ok := c.GetCachedFlag(ctx, "user-b", "beta", 1); ok {
		t.Error("least recently used user survived eviction")
	}
	if _, ok := c.GetCachedFlag(ctx, "user-a", "beta", 1); !ok {
		t.Error("recently accessed user was evicted")
	}
	if _, ok := c.GetCachedFlag(ctx, "user-d", "beta", 1); !ok {
		t.Error("newly inserted user missing after eviction")
	}
}

func TestFlagCacheEvictsFifthOfUsers(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(10, 5*time.Minute)

	for i := 0; i < 10; i++ {
		*now = now.Add(time.Second)
		c.SetCachedFlag(ctx, fmt.Sprintf("user-%d", i), "beta", Result{Value: true}, 1)
	}
	*now = now.Add(time.Second)
	c.SetCachedFlag(ctx, "user-new", "beta", Result{Value: true}, 1)

	// 10 users at capacity: 2 evicted, 1 inserted.
	if c.Len() != 9 {
		t.Errorf("Len() = %d, want 9 after evicting 20%% of users", c.Len())
	}
	for _, id := range []string{"user-0", "user-1"} {
		if _, ok := c.GetCachedFlag(ctx, id, "beta", 1); ok {
			t.Errorf("oldest user %s survived eviction", id)
		}
	}
}

func TestFlagCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewFlagCache(50, 5*time.Minute)

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("user-%d", (w*200+i)%60)
				c.SetCachedFlag(ctx, id, "beta", Result{Value: true}, 1)
				c.GetCachedFlag(ctx, id, "beta", 1)
				c.GetStaleCachedFlag(ctx, id, "beta", time.Hour)
				if i%50 == 0 {
					c.InvalidateVersion(ctx, 1)
				}
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}
}
