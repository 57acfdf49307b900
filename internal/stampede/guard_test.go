package stampede

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mapStore is an in-memory Store for guard tests. When frozen, writes are
// ignored so a scenario's lookup result stays pinned.
type mapStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	clock   func() time.Time
	frozen  bool
	stores  int
}

func newMapStore(clock func() time.Time) *mapStore {
	return &mapStore{entries: make(map[string]Entry), clock: clock}
}

func (s *mapStore) Lookup(_ context.Context, key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	return ent, ok
}

func (s *mapStore) Store(_ context.Context, key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores++
	if s.frozen {
		return
	}
	now := s.clock()
	s.entries[key] = Entry{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}
}

func (s *mapStore) put(key string, value []byte, storedAt time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Value: value, StoredAt: storedAt, ExpiresAt: storedAt.Add(ttl)}
}

func (s *mapStore) storeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores
}

// waitIdle blocks until the guard has no in-flight fetches.
func waitIdle(t *testing.T, g *Guard) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for g.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("guard still has %d in-flight fetches", g.InFlight())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGuard_HitOutsideWindowDoesNotFetch(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := New(Config{Clock: clock})
	store := newMapStore(clock)
	store.put("k", []byte("A"), now, time.Minute)

	fetches := 0
	val, out, err := g.Do(context.Background(), "k", Policy{TTL: time.Minute}, store, func(ctx context.Context) ([]byte, error) {
		fetches++
		return []byte("B"), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(val) != "A" {
		t.Errorf("expected cached value A, got %q", val)
	}
	if !out.Hit || out.Refreshed || out.Shared {
		t.Errorf("expected plain hit outcome, got %+v", out)
	}
	if fetches != 0 {
		t.Errorf("expected no fetch, got %d", fetches)
	}
}

func TestGuard_SingleFlight(t *testing.T) {
	g := New(Config{})
	store := newMapStore(time.Now)

	var fetches atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []byte("B"), nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, _, err := g.Do(context.Background(), "post::p1", Policy{TTL: time.Minute}, store, fetch)
			results[i], errs[i] = string(val), err
		}(i)
	}
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if results[i] != "B" {
			t.Errorf("caller %d got %q, want B", i, results[i])
		}
	}
	if _, ok := store.Lookup(context.Background(), "post::p1"); !ok {
		t.Error("expected the fetched value to be stored")
	}
	waitIdle(t, g)
}

func TestGuard_SharesFetchError(t *testing.T) {
	g := New(Config{})
	store := newMapStore(time.Now)

	fetchErr := errors.New("db unavailable")
	var fetches atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil, fetchErr
	}

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "k", Policy{TTL: time.Minute}, store, fetch)
		}(i)
	}
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
	for i, err := range errs {
		if !errors.Is(err, fetchErr) {
			t.Errorf("caller %d got %v, want the shared fetch error", i, err)
		}
	}
	if _, ok := store.Lookup(context.Background(), "k"); ok {
		t.Error("failed fetch must not poison the store")
	}

	// The failure is not cached either: the next call fetches again.
	if _, _, err := g.Do(context.Background(), "k", Policy{TTL: time.Minute}, store, fetch); !errors.Is(err, fetchErr) {
		t.Fatalf("expected retryable fetch error, got %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Errorf("expected a second fetch attempt, got %d", got)
	}
	waitIdle(t, g)
}

func TestGuard_ExpiredEntryIsHardMiss(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(61 * time.Second)
	clock := func() time.Time { return now }
	g := New(Config{Clock: clock})
	store := newMapStore(clock)
	store.put("k", []byte("A"), base, 60*time.Second)

	val, out, err := g.Do(context.Background(), "k", Policy{TTL: time.Minute}, store, func(ctx context.Context) ([]byte, error) {
		return []byte("B"), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(val) != "B" {
		t.Errorf("expected fresh value B, got %q", val)
	}
	if out.Hit {
		t.Error("expired entry must not count as a hit")
	}
}

func TestGuard_EarlyRefreshDeterministic(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(49 * time.Second) // inside the last 10s of a 60s TTL
	clock := func() time.Time { return now }

	pol := Policy{TTL: time.Minute, EarlyRefreshWindow: 10 * time.Second, RefreshProbability: 0.08}

	tests := []struct {
		name        string
		sample      float64
		wantRefresh bool
	}{
		{"sample below probability triggers refresh", 0.0, true},
		{"sample above probability serves without refresh", 0.99, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Config{Clock: clock, Rand: func() float64 { return tt.sample }})
			store := newMapStore(clock)
			store.frozen = true
			store.put("post::p1", []byte("A"), base, pol.TTL)

			var fetches atomic.Int32
			val, out, err := g.Do(context.Background(), "post::p1", pol, store, func(ctx context.Context) ([]byte, error) {
				fetches.Add(1)
				return []byte("A2"), nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(val) != "A" {
				t.Errorf("caller must receive the current value immediately, got %q", val)
			}
			if !out.Hit {
				t.Error("window access is still a hit")
			}
			if out.Refreshed != tt.wantRefresh {
				t.Errorf("Refreshed = %v, want %v", out.Refreshed, tt.wantRefresh)
			}

			waitIdle(t, g)
			wantFetches := int32(0)
			if tt.wantRefresh {
				wantFetches = 1
			}
			if got := fetches.Load(); got != wantFetches {
				t.Errorf("background fetches = %d, want %d", got, wantFetches)
			}
		})
	}
}

func TestGuard_EarlyRefreshFrequency(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(49 * time.Second)
	clock := func() time.Time { return now }

	pol := Policy{TTL: time.Minute, EarlyRefreshWindow: 10 * time.Second, RefreshProbability: 0.08}

	g := New(Config{Clock: clock})
	store := newMapStore(clock)
	store.frozen = true
	store.put("post::p1", []byte("A"), base, pol.TTL)

	var fetches atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches.Add(1)
		return []byte("A"), nil
	}

	const accesses = 2000
	for i := 0; i < accesses; i++ {
		val, _, err := g.Do(context.Background(), "post::p1", pol, store, fetch)
		if err != nil {
			t.Fatalf("access %d: unexpected error: %v", i, err)
		}
		if string(val) != "A" {
			t.Fatalf("access %d: got %q, want A", i, val)
		}
		waitIdle(t, g)
	}

	// 8% of 2000 is 160; allow a +-4 percentage point band.
	got := int(fetches.Load())
	if got < 80 || got > 240 {
		t.Errorf("background refreshes = %d, want within [80, 240] for p=0.08 over %d accesses", got, accesses)
	}
}

func TestGuard_RefreshDoesNotStackPerKey(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(55 * time.Second)
	clock := func() time.Time { return now }

	pol := Policy{TTL: time.Minute, EarlyRefreshWindow: 10 * time.Second, RefreshProbability: 1.0}

	g := New(Config{Clock: clock})
	store := newMapStore(clock)
	store.frozen = true
	store.put("k", []byte("A"), base, pol.TTL)

	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches.Add(1)
		<-release
		return []byte("A"), nil
	}

	// First access starts the refresh; while it is in flight, further
	// accesses must not start another one.
	for i := 0; i < 10; i++ {
		if _, _, err := g.Do(context.Background(), "k", pol, store, fetch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("expected a single in-flight refresh, got %d", got)
	}
	close(release)
	waitIdle(t, g)
}

func TestGuard_WatchdogClearsStuckFetch(t *testing.T) {
	g := New(Config{InFlightMaxAge: 20 * time.Millisecond})
	store := newMapStore(time.Now)

	release := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		val, _, err := g.Do(context.Background(), "k", Policy{TTL: time.Minute}, store, func(ctx context.Context) ([]byte, error) {
			<-release
			return []byte("old"), nil
		})
		if err != nil {
			t.Errorf("stuck caller got error: %v", err)
		}
		if string(val) != "old" {
			t.Errorf("stuck caller got %q, want its own result", val)
		}
	}()

	waitCleared := time.Now().Add(5 * time.Second)
	for g.InFlight() != 0 {
		if time.Now().After(waitCleared) {
			t.Fatal("watchdog never cleared the stuck marker")
		}
		time.Sleep(time.Millisecond)
	}

	// A caller arriving after the clear starts a fresh fetch instead of
	// queueing behind the stuck one.
	val, _, err := g.Do(context.Background(), "k", Policy{TTL: time.Minute}, store, func(ctx context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(val) != "fresh" {
		t.Errorf("got %q, want fresh", val)
	}

	close(release)
	<-firstDone
	waitIdle(t, g)
}

func TestGuard_WaiterHonorsContext(t *testing.T) {
	g := New(Config{})
	store := newMapStore(time.Now)

	release := make(chan struct{})
	ownerDone := make(chan struct{})
	go func() {
		defer close(ownerDone)
		_, _, _ = g.Do(context.Background(), "k", Policy{TTL: time.Minute}, store, func(ctx context.Context) ([]byte, error) {
			<-release
			return []byte("B"), nil
		})
	}()

	for g.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", Policy{TTL: time.Minute}, store, func(ctx context.Context) ([]byte, error) {
			return []byte("B"), nil
		})
		waiterErr <- err
	}()

	cancel()
	select {
	case err := <-waiterErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("waiter got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled waiter did not return")
	}

	close(release)
	<-ownerDone
	waitIdle(t, g)
}
