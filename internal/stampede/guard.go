// Package stampede coordinates concurrent access to individual cache keys.
//
// It provides the two protections that keep a busy key from overwhelming the
// source of truth: single-flight de-duplication of concurrent misses, and
// probabilistic early refresh of entries approaching expiry so they do not
// all expire, and stampede, at the same instant.
package stampede

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Entry is a cache entry as the guard sees it: opaque value bytes plus the
// envelope timestamps the store decoded for us.
type Entry struct {
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Store is the guard's view of the cache. Lookup returns false for any
// condition the caller decided to treat as a miss (absent key, backend
// error, undecodable payload). Store is best effort and must not fail the
// caller.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Policy carries the numeric knobs the guard needs for one key access.
type Policy struct {
	TTL                time.Duration
	EarlyRefreshWindow time.Duration
	RefreshProbability float64
}

// FetchFn produces the serialized value for a key from the source of truth.
type FetchFn func(ctx context.Context) ([]byte, error)

// Outcome describes how a Do call was satisfied.
type Outcome struct {
	// Hit is true when a live entry was served from the store.
	Hit bool
	// Refreshed is true when this call triggered a background refresh.
	Refreshed bool
	// Shared is true when the call waited on another caller's in-flight
	// fetch instead of issuing its own.
	Shared bool
	// FetchLatency is how long this call spent fetching, or waiting for
	// the owning fetch.
	FetchLatency time.Duration
}

// Config configures a Guard. Zero values select production defaults; Clock
// and Rand exist so tests can pin time and probability.
type Config struct {
	Logger *zap.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Rand returns a uniform sample in [0,1). Defaults to math/rand.
	Rand func() float64

	// InFlightMaxAge arms a watchdog that clears an in-flight marker older
	// than this age, so callers arriving after a hung fetch start a fresh
	// one instead of queueing forever. Zero disables the watchdog.
	InFlightMaxAge time.Duration
}

// flight is the in-flight marker for one key: at most one exists per key at
// any instant. done is closed exactly once, after value/err are set.
type flight struct {
	done     chan struct{}
	value    []byte
	err      error
	watchdog *time.Timer
}

// Guard mediates access to stampede-protected keys. One Guard instance
// serves one cache manager; its in-flight map is process-local.
type Guard struct {
	flights *xsync.MapOf[string, *flight]
	logger  *zap.Logger
	clock   func() time.Time
	rand    func() float64
	maxAge  time.Duration
}

// New creates a Guard from cfg.
func New(cfg Config) *Guard {
	g := &Guard{
		flights: xsync.NewMapOf[string, *flight](),
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		rand:    cfg.Rand,
		maxAge:  cfg.InFlightMaxAge,
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.clock == nil {
		g.clock = time.Now
	}
	if g.rand == nil {
		g.rand = rand.Float64
	}
	return g
}

// Do reads key through store with stampede protection.
//
// A live entry outside the early-refresh window is returned as-is. Inside
// the window the entry is still returned immediately, but with probability
// pol.RefreshProbability a background refresh is started first, spreading
// refreshes across the window instead of concentrating them at expiry. An
// absent or expired entry is a hard miss: exactly one concurrent caller
// invokes fetch, everyone else waits for and shares its result or its error.
//
// fetch errors are returned unmodified and never retried here; the store is
// left untouched on failure.
func (g *Guard) Do(ctx context.Context, key string, pol Policy, store Store, fetch FetchFn) ([]byte, Outcome, error) {
	if ent, ok := store.Lookup(ctx, key); ok {
		now := g.clock()
		if now.Before(ent.ExpiresAt) {
			out := Outcome{Hit: true}
			if g.inRefreshWindow(now, ent, pol) && g.rand() < pol.RefreshProbability {
				out.Refreshed = g.refreshAsync(ctx, key, pol, store, fetch)
			}
			return ent.Value, out, nil
		}
	}
	return g.resolveMiss(ctx, key, pol, store, fetch)
}

func (g *Guard) inRefreshWindow(now time.Time, ent Entry, pol Policy) bool {
	if pol.EarlyRefreshWindow <= 0 || pol.RefreshProbability <= 0 {
		return false
	}
	return !now.Before(ent.ExpiresAt.Add(-pol.EarlyRefreshWindow))
}

// resolveMiss is the hard-miss path. The LoadOrCompute below is the only
// point of true mutual exclusion: exactly one caller installs the marker and
// becomes the owner, everyone else finds it and waits.
func (g *Guard) resolveMiss(ctx context.Context, key string, pol Policy, store Store, fetch FetchFn) ([]byte, Outcome, error) {
	f, waiting := g.flights.LoadOrCompute(key, newFlight)
	if waiting {
		start := g.clock()
		select {
		case <-f.done:
			return f.value, Outcome{Shared: true, FetchLatency: g.clock().Sub(start)}, f.err
		case <-ctx.Done():
			return nil, Outcome{}, ctx.Err()
		}
	}

	g.armWatchdog(key, f)

	start := g.clock()
	value, err := fetch(ctx)
	latency := g.clock().Sub(start)

	if err == nil {
		store.Store(ctx, key, value, pol.TTL)
	}
	g.settle(key, f, value, err)

	return value, Outcome{FetchLatency: latency}, err
}

// refreshAsync starts a background fetch-and-store for key, reusing the
// in-flight map so a refresh and a hard-miss fetch can never run
// concurrently for the same key. Returns false when something is already in
// flight. The caller is never blocked.
func (g *Guard) refreshAsync(ctx context.Context, key string, pol Policy, store Store, fetch FetchFn) bool {
	f, loaded := g.flights.LoadOrCompute(key, newFlight)
	if loaded {
		return false
	}

	g.armWatchdog(key, f)
	refreshID := uuid.NewString()
	g.logger.Debug("early refresh triggered",
		zap.String("key", key),
		zap.String("refresh_id", refreshID),
	)

	// The refresh must outlive the request that happened to trigger it.
	bg := context.WithoutCancel(ctx)
	go func() {
		value, err := fetch(bg)
		if err != nil {
			g.logger.Warn("early refresh failed",
				zap.String("key", key),
				zap.String("refresh_id", refreshID),
				zap.Error(err),
			)
		} else {
			store.Store(bg, key, value, pol.TTL)
		}
		g.settle(key, f, value, err)
	}()
	return true
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

// settle publishes the fetch result to waiters and removes the marker. The
// marker must disappear before done closes so no caller can observe a
// settled flight as still in flight.
func (g *Guard) settle(key string, f *flight, value []byte, err error) {
	f.value, f.err = value, err
	if f.watchdog != nil {
		f.watchdog.Stop()
	}
	g.forget(key, f)
	close(f.done)
}

// forget removes f's marker, but never someone else's: if the watchdog
// already cleared f and a new owner installed a fresh marker, that marker
// stays.
func (g *Guard) forget(key string, f *flight) bool {
	removed := false
	g.flights.Compute(key, func(cur *flight, loaded bool) (*flight, bool) {
		if loaded && cur == f {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	return removed
}

// armWatchdog schedules the forced clear of f's marker. Waiters already
// parked on f keep waiting for the original fetch, but callers arriving
// after the clear start a fresh one.
func (g *Guard) armWatchdog(key string, f *flight) {
	if g.maxAge <= 0 {
		return
	}
	f.watchdog = time.AfterFunc(g.maxAge, func() {
		if g.forget(key, f) {
			g.logger.Warn("in-flight fetch exceeded max age, clearing marker",
				zap.String("key", key),
				zap.Duration("max_age", g.maxAge),
			)
		}
	})
}

// InFlight reports the number of keys with an active in-flight fetch.
// Intended for monitoring and tests.
func (g *Guard) InFlight() int {
	return g.flights.Size()
}
