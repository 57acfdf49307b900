package cache

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Stats is a point-in-time snapshot of cache effectiveness for one entity
// type.
type Stats struct {
	EntityType        string
	Hits              uint64
	Misses            uint64
	TotalFetchLatency time.Duration
}

// HitRate returns hits / (hits + misses), or 0 when nothing was recorded.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// AvgFetchLatency returns the mean source-of-truth fetch duration across
// misses, or 0 when no miss fetched anything.
func (s Stats) AvgFetchLatency() time.Duration {
	if s.Misses == 0 {
		return 0
	}
	return s.TotalFetchLatency / time.Duration(s.Misses)
}

type entityCounters struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	fetchLatencyNs atomic.Int64
}

// Collector accumulates hit/miss counters per entity type. It sits off the
// hot path: recording is lock-free counter bumps, and any internal failure
// is caught and discarded so analytics can never break a read.
type Collector struct {
	counters *xsync.MapOf[string, *entityCounters]
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{counters: xsync.NewMapOf[string, *entityCounters]()}
}

func (c *Collector) entity(entityType string) *entityCounters {
	counters, _ := c.counters.LoadOrCompute(entityType, func() *entityCounters {
		return &entityCounters{}
	})
	return counters
}

// RecordHit counts a read served from the cache.
func (c *Collector) RecordHit(entityType string) {
	defer func() { _ = recover() }()
	c.entity(entityType).hits.Add(1)
}

// RecordMiss counts a read that went to the source of truth, along with the
// fetch duration.
func (c *Collector) RecordMiss(entityType string, fetchLatency time.Duration) {
	defer func() { _ = recover() }()
	counters := c.entity(entityType)
	counters.misses.Add(1)
	if fetchLatency > 0 {
		counters.fetchLatencyNs.Add(int64(fetchLatency))
	}
}

// Snapshot returns stats for the named entity types, or for every recorded
// entity type when none are named. Results are sorted by entity type.
func (c *Collector) Snapshot(entityTypes ...string) []Stats {
	var out []Stats
	read := func(name string, counters *entityCounters) {
		out = append(out, Stats{
			EntityType:        name,
			Hits:              counters.hits.Load(),
			Misses:            counters.misses.Load(),
			TotalFetchLatency: time.Duration(counters.fetchLatencyNs.Load()),
		})
	}

	if len(entityTypes) > 0 {
		for _, name := range entityTypes {
			if counters, ok := c.counters.Load(name); ok {
				read(name, counters)
			}
		}
	} else {
		c.counters.Range(func(name string, counters *entityCounters) bool {
			read(name, counters)
			return true
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out
}

// Reset clears all counters. Intended for tests and admin tooling.
func (c *Collector) Reset() {
	c.counters.Clear()
}
