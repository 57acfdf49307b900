// Package cache provides a cache-aside facade with stampede protection for
// entity-oriented services.
//
// # Overview
//
// The package composes five pieces behind one facade:
//
//   - Manager: the public read-through facade services depend on
//   - KeyCodec: canonicalizes logical identifiers into deterministic keys
//   - PolicyRegistry: per-entity TTL and stampede configuration
//   - Backend: a thin interface over any shared key/value store
//   - Collector: passive hit/miss analytics that never block the read path
//
// The stampede guard itself lives in an internal package; it is reachable
// only through the Manager.
//
// # Basic Usage
//
//	be, _ := backend.NewMemory(10_000)
//	mgr, err := cache.New(be, cache.Config{
//		Policies: []cache.Policy{{
//			EntityType:         "post",
//			TTL:                60 * time.Second,
//			StampedeProtected:  true,
//			EarlyRefreshWindow: 10 * time.Second,
//			RefreshProbability: 0.08,
//		}},
//	})
//
//	post, err := cache.Get(ctx, mgr, "post", postID, func(ctx context.Context) (Post, error) {
//		return postStore.ByID(ctx, postID)
//	})
//
// On a miss the fetch function runs, its result is stored under the policy
// TTL, and the value is returned. For stampede-protected entity types,
// concurrent misses on one key collapse into a single fetch shared by every
// caller, and reads inside the early-refresh window probabilistically kick
// off a background refresh while still returning the current value
// immediately.
//
// # Failure Semantics
//
// The cache is an optimization, never a correctness dependency:
//
//   - backend read errors are treated as misses
//   - backend write and delete errors are logged and swallowed
//   - entries that fail to deserialize are treated as misses
//   - only errors from the caller's fetch function reach the caller, and
//     they arrive unmodified
//
// A failed fetch never poisons the cache; the entry stays absent and the
// next read retries the fetch.
//
// # Keys
//
// Full keys have the shape namespace::identifier. The namespace is the
// snake_cased entity type; the identifier segment comes from the KeyCodec.
// String identifiers pass through unchanged. Map and struct identifiers are
// canonicalized: nil-valued fields are dropped and fields are ordered, so
// two identifiers with the same content produce byte-identical keys
// regardless of construction order. Identifiers containing functions or
// channels are a programmer error and panic.
//
// # Policies
//
// Policies are resolved per (entity type, override set) and memoized, so a
// hot call site pays for resolution once. Entity types without a registered
// policy use DefaultPolicy: 60 second TTL, no stampede protection. Per-call
// options (WithTTL, WithStampedeProtection, ...) override individual fields.
//
// # Invalidation
//
// Invalidate removes one entry. InvalidatePattern and Clear need a Backend
// that also implements PatternScanner; when it does not, they log a warning
// and do nothing, because invalidation here is best-effort freshness, not a
// correctness guarantee.
//
// # Analytics
//
// Stats returns per-entity hit/miss totals and cumulative fetch latency.
// Recording is a pair of atomic counter bumps and can never fail a read.
package cache
