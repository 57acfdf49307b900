package backend

import (
	"context"
	"path"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goliatone/go-entity-cache/cache"
)

// DefaultMaxEntries bounds the in-memory store when the caller does not.
const DefaultMaxEntries = 10_000

// Memory is a bounded in-process Backend. Capacity is enforced by an LRU;
// per-entry TTLs are enforced lazily on read. It exists as the fallback for
// when the shared store is unreachable, and as the backend of choice in
// tests, so it deliberately keeps the exact Get/Set/Delete/ScanKeys
// semantics of the Redis adapter.
type Memory struct {
	entries *lru.Cache[string, memoryEntry]
	clock   func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an in-memory backend holding at most maxEntries values.
// maxEntries <= 0 selects DefaultMaxEntries.
func NewMemory(maxEntries int) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Memory{entries: entries, clock: time.Now}, nil
}

// Get returns the stored bytes for key, or cache.ErrNotFound when the key is
// absent or its TTL has lapsed.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	ent, ok := m.entries.Get(key)
	if !ok {
		return nil, cache.ErrNotFound
	}
	if m.expired(ent) {
		m.entries.Remove(key)
		return nil, cache.ErrNotFound
	}
	return ent.value, nil
}

// Set stores value under key. ttl <= 0 stores without expiry; the LRU bound
// still applies.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ent := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		ent.expiresAt = m.clock().Add(ttl)
	}
	m.entries.Add(key, ent)
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

// ScanKeys returns all live keys matching the glob pattern.
func (m *Memory) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	var out []string
	for _, key := range m.entries.Keys() {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		if ent, ok := m.entries.Peek(key); ok && !m.expired(ent) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Len reports the number of entries currently held, including not yet
// reaped expired ones.
func (m *Memory) Len() int {
	return m.entries.Len()
}

// Purge drops every entry.
func (m *Memory) Purge() {
	m.entries.Purge()
}

func (m *Memory) expired(ent memoryEntry) bool {
	return !ent.expiresAt.IsZero() && !m.clock().Before(ent.expiresAt)
}

var (
	_ cache.Backend        = (*Memory)(nil)
	_ cache.PatternScanner = (*Memory)(nil)
)
