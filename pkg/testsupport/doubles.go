// Package testsupport provides the test doubles the cache packages share:
// a manual clock for pinning expiry decisions, and backend wrappers that
// count or fail operations on demand.
package testsupport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-entity-cache/cache"
)

// ManualClock is a settable clock for tests. Its Now method plugs into
// cache.Config.Clock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock pinned at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the pinned time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock at t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// CountingBackend wraps a cache.Backend and counts operations.
type CountingBackend struct {
	Inner cache.Backend

	Gets    atomic.Int64
	Sets    atomic.Int64
	Deletes atomic.Int64
	Scans   atomic.Int64
}

// NewCountingBackend wraps inner.
func NewCountingBackend(inner cache.Backend) *CountingBackend {
	return &CountingBackend{Inner: inner}
}

func (b *CountingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.Gets.Add(1)
	return b.Inner.Get(ctx, key)
}

func (b *CountingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.Sets.Add(1)
	return b.Inner.Set(ctx, key, value, ttl)
}

func (b *CountingBackend) Delete(ctx context.Context, key string) error {
	b.Deletes.Add(1)
	return b.Inner.Delete(ctx, key)
}

func (b *CountingBackend) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	b.Scans.Add(1)
	if scanner, ok := b.Inner.(cache.PatternScanner); ok {
		return scanner.ScanKeys(ctx, pattern)
	}
	return nil, cache.ErrScanUnsupported
}

// FailingBackend wraps a cache.Backend and fails selected operations, for
// exercising the swallow-and-degrade paths.
type FailingBackend struct {
	Inner cache.Backend

	GetErr    error
	SetErr    error
	DeleteErr error
	ScanErr   error
}

func (b *FailingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.GetErr != nil {
		return nil, b.GetErr
	}
	return b.Inner.Get(ctx, key)
}

func (b *FailingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.SetErr != nil {
		return b.SetErr
	}
	return b.Inner.Set(ctx, key, value, ttl)
}

func (b *FailingBackend) Delete(ctx context.Context, key string) error {
	if b.DeleteErr != nil {
		return b.DeleteErr
	}
	return b.Inner.Delete(ctx, key)
}

func (b *FailingBackend) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if b.ScanErr != nil {
		return nil, b.ScanErr
	}
	if scanner, ok := b.Inner.(cache.PatternScanner); ok {
		return scanner.ScanKeys(ctx, pattern)
	}
	return nil, cache.ErrScanUnsupported
}

// BareBackend strips the PatternScanner capability from a backend, for
// testing the pattern-invalidation no-op path.
type BareBackend struct {
	Inner cache.Backend
}

func (b *BareBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return b.Inner.Get(ctx, key)
}

func (b *BareBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.Inner.Set(ctx, key, value, ttl)
}

func (b *BareBackend) Delete(ctx context.Context, key string) error {
	return b.Inner.Delete(ctx, key)
}
