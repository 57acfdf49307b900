package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-entity-cache/internal/stampede"
)

// warmConcurrency bounds how many fetches WarmBatch runs at once.
const warmConcurrency = 8

// envelope is the stored shape of every cache entry: the serialized value
// plus the timestamps the expiry and early-refresh decisions are made from.
// It is written and read only by the Manager; backends see opaque bytes.
type envelope struct {
	Value     []byte    `msgpack:"v" json:"v"`
	StoredAt  time.Time `msgpack:"s" json:"s"`
	ExpiresAt time.Time `msgpack:"e" json:"e"`
}

// Manager is the cache-aside facade business services read through. It
// composes the key codec, policy registry, stampede guard, backend, and
// analytics collector behind the typed package-level functions (Get, Set,
// Warm, ...) and its own invalidation methods.
//
// A Manager is an explicit dependency: construct one and inject it. Each
// instance owns an independent in-flight map and analytics, so tests can
// build isolated managers.
type Manager struct {
	backend  Backend
	keys     KeyCodec
	codec    Codec
	policies *PolicyRegistry
	guard    *stampede.Guard
	stats    *Collector
	logger   *zap.Logger
	clock    func() time.Time
}

// New creates a Manager over backend.
func New(backend Backend, cfg Config) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("cache: nil backend")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		backend:  backend,
		keys:     cfg.KeyCodec,
		codec:    cfg.Codec,
		policies: NewPolicyRegistry(),
		stats:    NewCollector(),
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}
	if m.keys == nil {
		m.keys = NewDefaultKeyCodec()
	}
	if m.codec == nil {
		m.codec = NewMsgpackCodec()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.clock == nil {
		m.clock = time.Now
	}

	for _, p := range cfg.Policies {
		if err := m.policies.Register(p); err != nil {
			return nil, err
		}
	}

	m.guard = stampede.New(stampede.Config{
		Logger:         m.logger,
		Clock:          m.clock,
		Rand:           cfg.Rand,
		InFlightMaxAge: cfg.InFlightMaxAge,
	})
	return m, nil
}

// Key returns the full cache key the Manager would use for (entityType, id).
// Exposed for debugging and for callers that track keys externally.
func (m *Manager) Key(entityType string, id any) string {
	return Namespace(entityType) + KeySeparator + m.keys.EncodeKey(id)
}

// Invalidate removes the entry for (entityType, id). Best effort: backend
// failures are logged and swallowed, since the entry would expire on its own
// anyway.
func (m *Manager) Invalidate(ctx context.Context, entityType string, id any) {
	key := m.Key(entityType, id)
	if err := m.backend.Delete(ctx, key); err != nil {
		m.logger.Warn("cache delete failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// InvalidatePattern removes every entry of entityType whose identifier
// segment matches the glob pattern. Requires a backend with pattern scan
// support; without it the call logs a warning and does nothing, because
// callers treat invalidation as best-effort freshness rather than a
// correctness guarantee.
func (m *Manager) InvalidatePattern(ctx context.Context, entityType, pattern string) {
	scanner, ok := m.backend.(PatternScanner)
	if !ok {
		m.logger.Warn("backend does not support pattern scan, skipping invalidation",
			zap.String("entity_type", entityType),
			zap.String("pattern", pattern),
		)
		return
	}

	full := Namespace(entityType) + KeySeparator + pattern
	keys, err := scanner.ScanKeys(ctx, full)
	if err != nil {
		m.logger.Warn("pattern scan failed, skipping invalidation",
			zap.String("pattern", full),
			zap.Error(err),
		)
		return
	}

	for _, key := range keys {
		if derr := m.backend.Delete(ctx, key); derr != nil {
			m.logger.Warn("cache delete failed",
				zap.String("key", key),
				zap.Error(derr),
			)
		}
	}
}

// Clear removes every entry of entityType. Same backend requirements and
// best-effort semantics as InvalidatePattern.
func (m *Manager) Clear(ctx context.Context, entityType string) {
	m.InvalidatePattern(ctx, entityType, "*")
}

// Stats returns hit/miss aggregates for the named entity types, or for all
// of them when none are named.
func (m *Manager) Stats(entityTypes ...string) []Stats {
	return m.stats.Snapshot(entityTypes...)
}

// InFlight reports how many keys currently have a fetch in flight.
func (m *Manager) InFlight() int {
	return m.guard.InFlight()
}

// getBytes is the untyped read path shared by Get. sniff is applied to
// cache-sourced values so an undecodable payload turns into a miss instead
// of an error.
func (m *Manager) getBytes(ctx context.Context, entityType string, id any, sniff func([]byte) error, fetch stampede.FetchFn, opts []Option) ([]byte, stampede.Outcome, error) {
	pol := m.policies.Resolve(entityType, opts...)
	key := m.Key(entityType, id)

	if bypassed(ctx) {
		raw, latency, err := m.fetchAndStore(ctx, key, pol, fetch)
		m.stats.RecordMiss(entityType, latency)
		if err != nil {
			return nil, stampede.Outcome{}, err
		}
		return raw, stampede.Outcome{FetchLatency: latency}, nil
	}

	if pol.StampedeProtected {
		raw, out, err := m.guard.Do(ctx, key, stampede.Policy{
			TTL:                pol.TTL,
			EarlyRefreshWindow: pol.EarlyRefreshWindow,
			RefreshProbability: pol.RefreshProbability,
		}, guardStore{m: m, sniff: sniff}, fetch)
		if err != nil {
			m.stats.RecordMiss(entityType, out.FetchLatency)
			return nil, out, err
		}
		if out.Hit {
			m.stats.RecordHit(entityType)
		} else {
			m.stats.RecordMiss(entityType, out.FetchLatency)
		}
		return raw, out, nil
	}

	// Plain read-through: no in-flight coordination, no early refresh.
	if ent, ok := m.lookupEntry(ctx, key, sniff); ok && m.clock().Before(ent.ExpiresAt) {
		m.stats.RecordHit(entityType)
		return ent.Value, stampede.Outcome{Hit: true}, nil
	}
	raw, latency, err := m.fetchAndStore(ctx, key, pol, fetch)
	m.stats.RecordMiss(entityType, latency)
	if err != nil {
		return nil, stampede.Outcome{}, err
	}
	return raw, stampede.Outcome{FetchLatency: latency}, nil
}

// peek is the cache-only read behind GetRaw.
func (m *Manager) peek(ctx context.Context, entityType string, id any, sniff func([]byte) error) bool {
	ent, ok := m.lookupEntry(ctx, m.Key(entityType, id), sniff)
	if ok && m.clock().Before(ent.ExpiresAt) {
		m.stats.RecordHit(entityType)
		return true
	}
	m.stats.RecordMiss(entityType, 0)
	return false
}

// setBytes stores already-serialized value bytes under the resolved policy
// TTL.
func (m *Manager) setBytes(ctx context.Context, entityType string, id any, data []byte, opts []Option) {
	pol := m.policies.Resolve(entityType, opts...)
	m.storeEntry(ctx, m.Key(entityType, id), data, pol.TTL)
}

// fetchAndStore invokes fetch and, on success, stores the result. The fetch
// error passes through unmodified.
func (m *Manager) fetchAndStore(ctx context.Context, key string, pol *Policy, fetch stampede.FetchFn) ([]byte, time.Duration, error) {
	start := m.clock()
	value, err := fetch(ctx)
	latency := m.clock().Sub(start)
	if err != nil {
		return nil, latency, err
	}
	m.storeEntry(ctx, key, value, pol.TTL)
	return value, latency, nil
}

// lookupEntry reads and decodes the envelope for key. Every failure mode
// (backend error, undecodable envelope, value that fails sniff) degrades to
// a miss; nothing here ever reaches a caller as an error.
func (m *Manager) lookupEntry(ctx context.Context, key string, sniff func([]byte) error) (stampede.Entry, bool) {
	data, err := m.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("cache read failed, treating as miss",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return stampede.Entry{}, false
	}

	var env envelope
	if err := m.codec.Unmarshal(data, &env); err != nil {
		m.logger.Warn("undecodable cache entry, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		return stampede.Entry{}, false
	}

	if sniff != nil {
		if err := sniff(env.Value); err != nil {
			m.logger.Debug("cached value does not decode into requested type, treating as miss",
				zap.String("key", key),
				zap.Error(err),
			)
			return stampede.Entry{}, false
		}
	}

	return stampede.Entry{Value: env.Value, StoredAt: env.StoredAt, ExpiresAt: env.ExpiresAt}, true
}

// storeEntry wraps value in an envelope and writes it. Writes are an
// optimization, never a correctness dependency: every failure is logged and
// swallowed.
func (m *Manager) storeEntry(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if value == nil {
		// Upstream serialization already failed and was logged.
		return
	}
	now := m.clock()
	data, err := m.codec.Marshal(envelope{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		m.logger.Warn("cache envelope encoding failed, skipping write",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	if err := m.backend.Set(ctx, key, data, ttl); err != nil {
		m.logger.Warn("cache write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (m *Manager) logMarshalFailure(entityType string, err error) {
	m.logger.Warn("value serialization failed, result will not be cached",
		zap.String("entity_type", entityType),
		zap.Error(err),
	)
}

// guardStore adapts the Manager's envelope handling to the stampede guard's
// Store contract.
type guardStore struct {
	m     *Manager
	sniff func([]byte) error
}

func (s guardStore) Lookup(ctx context.Context, key string) (stampede.Entry, bool) {
	return s.m.lookupEntry(ctx, key, s.sniff)
}

func (s guardStore) Store(ctx context.Context, key string, value []byte, ttl time.Duration) {
	s.m.storeEntry(ctx, key, value, ttl)
}

func warmBatch[T any](ctx context.Context, m *Manager, entityType string, ids []any, fetch func(ctx context.Context, id any) (T, error), opts []Option) error {
	if m == nil {
		return errors.New("cache: nil manager")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			v, err := fetch(ctx, id)
			if err != nil {
				return err
			}
			Set(ctx, m, entityType, id, v, opts...)
			return nil
		})
	}
	return g.Wait()
}
