package cache

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_RecordAndSnapshot(t *testing.T) {
	c := NewCollector()

	c.RecordHit("post")
	c.RecordHit("post")
	c.RecordMiss("post", 10*time.Millisecond)
	c.RecordMiss("user", 30*time.Millisecond)

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot returned %d entries, want 2", len(snap))
	}
	// Sorted by entity type.
	if snap[0].EntityType != "post" || snap[1].EntityType != "user" {
		t.Fatalf("Snapshot order = %s, %s", snap[0].EntityType, snap[1].EntityType)
	}

	post := snap[0]
	if post.Hits != 2 || post.Misses != 1 {
		t.Errorf("post counters = %d hits / %d misses, want 2/1", post.Hits, post.Misses)
	}
	if post.TotalFetchLatency != 10*time.Millisecond {
		t.Errorf("post fetch latency = %v, want 10ms", post.TotalFetchLatency)
	}
}

func TestCollector_SnapshotFilters(t *testing.T) {
	c := NewCollector()
	c.RecordHit("post")
	c.RecordHit("user")

	snap := c.Snapshot("user")
	if len(snap) != 1 || snap[0].EntityType != "user" {
		t.Fatalf("filtered snapshot = %+v", snap)
	}

	if snap := c.Snapshot("ghost"); len(snap) != 0 {
		t.Errorf("unknown entity type produced %+v", snap)
	}
}

func TestCollector_Reset(t *testing.T) {
	c := NewCollector()
	c.RecordHit("post")
	c.Reset()
	if snap := c.Snapshot(); len(snap) != 0 {
		t.Errorf("Reset left %+v behind", snap)
	}
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector()

	const workers, each = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				c.RecordHit("post")
				c.RecordMiss("post", time.Microsecond)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot("post")
	if len(snap) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Hits != workers*each || snap[0].Misses != workers*each {
		t.Errorf("counters = %d/%d, want %d each", snap[0].Hits, snap[0].Misses, workers*each)
	}
}

func TestStats_Derived(t *testing.T) {
	s := Stats{Hits: 3, Misses: 1, TotalFetchLatency: 40 * time.Millisecond}
	if got := s.HitRate(); got != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", got)
	}
	if got := s.AvgFetchLatency(); got != 40*time.Millisecond {
		t.Errorf("AvgFetchLatency = %v, want 40ms", got)
	}

	var zero Stats
	if zero.HitRate() != 0 || zero.AvgFetchLatency() != 0 {
		t.Error("zero stats must derive zeros, not NaN or panic")
	}
}
