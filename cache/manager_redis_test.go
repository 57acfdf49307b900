package cache_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/goliatone/go-entity-cache/backend"
	"github.com/goliatone/go-entity-cache/cache"
)

// End-to-end over a real wire protocol: manager, envelope codec, and pattern
// invalidation against a Redis server.
func TestManagerOverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := backend.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = r.Close() })

	cfg := cache.DefaultConfig()
	cfg.Policies = []cache.Policy{{
		EntityType:        "post",
		TTL:               time.Minute,
		StampedeProtected: true,
	}}
	m, err := cache.New(r, cfg)
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	want := post{ID: "p1", Title: "hello"}
	fetch := func(ctx context.Context) (post, error) {
		calls.Add(1)
		return want, nil
	}

	got, err := cache.Get(ctx, m, "post", "p1", fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("Get = %+v", got)
	}
	if got, err = cache.Get(ctx, m, "post", "p1", fetch); err != nil || got != want {
		t.Fatalf("cached Get = %+v, %v", got, err)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch invoked %d times, want 1", calls.Load())
	}

	cache.Set(ctx, m, "post", "p2", post{ID: "p2"})
	m.InvalidatePattern(ctx, "post", "*")

	if _, ok := cache.GetRaw[post](ctx, m, "post", "p1"); ok {
		t.Error("p1 survived pattern invalidation")
	}
	if _, ok := cache.GetRaw[post](ctx, m, "post", "p2"); ok {
		t.Error("p2 survived pattern invalidation")
	}
}
