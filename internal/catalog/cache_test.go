package catalog

import (
	"testing"
	"time"

	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func summaries(ids ...int) []model.SatelliteSummary {
	out := make([]model.SatelliteSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.SatelliteSummary{ID: id, Name: "obj"})
	}
	return out
}

func TestCacheGetRespectsTTL(t *testing.T) {
	clock := timectrl.NewTimeController(t0, time.Second, timectrl.Accelerated)
	c := NewCache(2*time.Minute, clock)

	c.Put("k", summaries(1, 2), clock.Now())

	clock.Advance(119 * time.Second)
	entry, ok := c.Get("k")
	if !ok {
		t.Fatalf("expected hit before TTL")
	}
	if len(entry.Data) != 2 || !entry.FetchedAt.Equal(t0) {
		t.Fatalf("unexpected entry %+v", entry)
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry aged exactly TTL should miss")
	}
	if c.Len() != 1 {
		t.Fatalf("expired entry evicted eagerly: Len = %d", c.Len())
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("stats = %d/%d, want 1/1", hits, misses)
	}
}

func TestCachePruneDropsOnlyExpired(t *testing.T) {
	clock := timectrl.NewTimeController(t0, time.Second, timectrl.Accelerated)
	c := NewCache(time.Minute, clock)

	c.Put("old", summaries(1), clock.Now())
	clock.Advance(45 * time.Second)
	c.Put("new", summaries(2), clock.Now())
	clock.Advance(30 * time.Second)

	if removed := c.Prune(); removed != 1 {
		t.Fatalf("Prune removed %d, want 1", removed)
	}
	if _, ok := c.Get("new"); !ok {
		t.Fatalf("fresh entry pruned")
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(0, nil)
	if c.TTL() != 2*time.Minute {
		t.Fatalf("default TTL = %v", c.TTL())
	}
	data := summaries(7)
	c.Put("k", data, time.Now())
	data[0].Name = "mutated"

	entry, ok := c.Get("k")
	if !ok {
		t.Fatalf("expected hit")
	}
	entry.Data[0].Name = "mutated again"

	again, _ := c.Get("k")
	if again.Data[0].Name != "obj" {
		t.Fatalf("cache shares storage with callers: %q", again.Data[0].Name)
	}
}

func TestNilCacheIsInert(t *testing.T) {
	var c *Cache
	c.Put("k", summaries(1), time.Now())
	if _, ok := c.Get("k"); ok {
		t.Fatalf("nil cache returned a hit")
	}
	if c.Len() != 0 || c.Prune() != 0 {
		t.Fatalf("nil cache reported entries")
	}
}
