// Package servicecache provides higher-order helpers that put the cache
// facade in front of plain fetch functions.
//
// # Overview
//
// Business services usually have functions shaped like
//
//	func (s *PostService) ByID(ctx context.Context, id string) (Post, error)
//
// Bind turns such a function into a cached one without touching the
// service:
//
//	byID := servicecache.Bind(mgr, "post", svc.ByID)
//
//	post, err := byID.Call(ctx, "p1")   // read-through
//	byID.Invalidate(ctx, "p1")          // after a write
//
// A Binding remembers which arguments it has seen, so InvalidateAll can drop
// every entry it produced even on backends without pattern scanning.
//
// # Fetch wrappers
//
// The cache never retries or times out a fetch; that policy belongs to the
// fetch function itself. WithRetry and WithTimeout compose it in:
//
//	post, err := cache.Get(ctx, mgr, "post", id,
//		servicecache.WithTimeout(2*time.Second,
//			servicecache.WithRetry(3, fetchPost)))
//
// # Bypassing the cache
//
// cache.WithBypass marks a context so the next read skips the cached entry,
// fetches live data, and repopulates. Useful immediately after writes and in
// admin tooling.
package servicecache
