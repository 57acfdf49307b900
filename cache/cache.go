package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by Backend implementations when a key is absent.
// The Manager treats it as an ordinary miss; any other Backend error is
// logged and then treated as a miss as well.
var ErrNotFound = errors.New("cache: key not found")

// ErrScanUnsupported is returned by composite backends whose active store
// cannot enumerate keys. The Manager downgrades pattern invalidation to a
// logged no-op when it sees this error.
var ErrScanUnsupported = errors.New("cache: pattern scan not supported by backend")

// ErrInvalidResultType is returned when a cached payload cannot be decoded
// into the type the caller asked for.
var ErrInvalidResultType = errors.New("cache: cached value does not match requested type")

// FetchFn is the function signature the Manager expects when fetching from
// the source of truth. Implementations own their retry and timeout policy;
// the Manager never retries a failed fetch. See servicecache.WithRetry and
// servicecache.WithTimeout for composable wrappers.
type FetchFn[T any] func(ctx context.Context) (T, error)

// Backend is the minimal contract for a shared key/value store sitting
// behind the Manager. Implementations must be safe for concurrent use.
//
// Get returns ErrNotFound for absent keys. Values are opaque bytes; the
// Manager owns the entry envelope and never asks a Backend to interpret
// what it stores.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// PatternScanner is an optional Backend capability. Backends that can
// enumerate keys by glob pattern implement it to enable InvalidatePattern
// and Clear. Its absence disables pattern invalidation but must not break
// anything else.
type PatternScanner interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// KeyCodec canonicalizes a logical identifier into a deterministic cache key
// segment. Two identifiers with the same content must produce byte-identical
// output regardless of field or insertion order.
type KeyCodec interface {
	EncodeKey(id any) string
}

// Codec serializes values on their way into a Backend and back out.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Get reads entity through the cache. On a miss it invokes fetch, stores the
// result under the policy TTL, and returns it. When the resolved policy has
// stampede protection enabled, concurrent misses for the same key collapse
// into a single fetch and entries nearing expiry are refreshed in the
// background.
//
// Only errors returned by fetch reach the caller, unmodified. Backend and
// serialization failures degrade to miss behavior.
func Get[T any](ctx context.Context, m *Manager, entityType string, id any, fetch FetchFn[T], opts ...Option) (T, error) {
	var zero T
	if m == nil {
		return zero, errors.New("cache: nil manager")
	}

	var cached T
	sniff := func(data []byte) error {
		return m.codec.Unmarshal(data, &cached)
	}

	// bytesFetch can also run on a background refresh goroutine after this
	// call returned, so the captured result is mutex-guarded.
	var mu sync.Mutex
	var fetched T
	didFetch := false
	bytesFetch := func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		fetched, didFetch = v, true
		mu.Unlock()
		data, merr := m.codec.Marshal(v)
		if merr != nil {
			// The value is still good for the caller; we only lose the
			// ability to store it.
			m.logMarshalFailure(entityType, merr)
			return nil, nil
		}
		return data, nil
	}

	raw, outcome, err := m.getBytes(ctx, entityType, id, sniff, bytesFetch, opts)
	if err != nil {
		return zero, err
	}
	if outcome.Hit {
		// Served from the cache; a refresh this call may have triggered
		// updates the entry in the background.
		return cached, nil
	}

	mu.Lock()
	v, ok := fetched, didFetch
	mu.Unlock()
	if ok {
		return v, nil
	}

	// We are a waiter that shared another caller's fetch. If the owner could
	// not serialize its result there are no bytes to share; fetch directly.
	if raw == nil {
		return fetch(ctx)
	}
	var out T
	if uerr := m.codec.Unmarshal(raw, &out); uerr != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidResultType, uerr)
	}
	return out, nil
}

// GetRaw is a cache-only read: it never invokes a fetch function. The second
// return value reports whether a live entry was found and decoded.
func GetRaw[T any](ctx context.Context, m *Manager, entityType string, id any) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}

	var cached T
	sniff := func(data []byte) error {
		return m.codec.Unmarshal(data, &cached)
	}

	if ok := m.peek(ctx, entityType, id, sniff); !ok {
		return zero, false
	}
	return cached, true
}

// Set stores value under the resolved policy TTL. Writes are best effort:
// backend and serialization failures are logged and swallowed, never
// surfaced.
func Set[T any](ctx context.Context, m *Manager, entityType string, id any, value T, opts ...Option) {
	if m == nil {
		return
	}
	data, err := m.codec.Marshal(value)
	if err != nil {
		m.logMarshalFailure(entityType, err)
		return
	}
	m.setBytes(ctx, entityType, id, data, opts)
}

// Warm populates the cache ahead of demand by invoking fetch and storing the
// result. Unlike Get it never reads the cache first. The fetch error, if
// any, is returned so callers can decide whether warming failures matter.
func Warm[T any](ctx context.Context, m *Manager, entityType string, id any, fetch FetchFn[T], opts ...Option) error {
	if m == nil {
		return errors.New("cache: nil manager")
	}
	v, err := fetch(ctx)
	if err != nil {
		return err
	}
	Set(ctx, m, entityType, id, v, opts...)
	return nil
}

// WarmBatch warms many keys concurrently. fetch is invoked once per id; the
// first fetch error cancels the remaining work and is returned.
func WarmBatch[T any](ctx context.Context, m *Manager, entityType string, ids []any, fetch func(ctx context.Context, id any) (T, error), opts ...Option) error {
	return warmBatch(ctx, m, entityType, ids, fetch, opts)
}
