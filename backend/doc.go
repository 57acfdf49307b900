// Package backend provides cache.Backend adapters: a Redis adapter for the
// shared deployment, a bounded in-memory store for tests and single-node
// fallback, and a circuit-breaker composite that fails over from one to the
// other when the shared store becomes unreachable.
//
// All adapters store opaque bytes; the entry envelope belongs to the cache
// package. Every adapter here also implements cache.PatternScanner, so
// pattern invalidation works against any of them.
package backend
