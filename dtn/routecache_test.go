package dtn

import (
	"math"
	"testing"
	"time"
)

func TestRouteCacheScores(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache, err := NewRouteCache(16, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewRouteCache() error = %v", err)
	}

	if got := cache.Score("D", "B", now); got != 0.5 {
		t.Fatalf("Score() for unknown pair = %v, want 0.5", got)
	}

	cache.RecordOutcome("D", "B", true, now)
	if got := cache.Score("D", "B", now); math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("Score() after success = %v, want 0.75", got)
	}

	cache.RecordOutcome("D", "B", false, now)
	if got := cache.Score("D", "B", now); math.Abs(got-0.375) > 1e-9 {
		t.Fatalf("Score() after failure = %v, want 0.375", got)
	}

	// Pairs are independent.
	if got := cache.Score("D", "C", now); got != 0.5 {
		t.Fatalf("Score() leaked across relays: %v", got)
	}
	if got := cache.Score("E", "B", now); got != 0.5 {
		t.Fatalf("Score() leaked across destinations: %v", got)
	}
}

func TestRouteCacheStaleEntriesDecayTowardNeutral(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache, err := NewRouteCache(16, time.Minute)
	if err != nil {
		t.Fatalf("NewRouteCache() error = %v", err)
	}

	cache.RecordOutcome("D", "B", true, now)

	// One full TTL past the update halves the distance from neutral, two
	// quarter it. The history is kept, not dropped.
	if got := cache.Score("D", "B", now.Add(90*time.Second)); math.Abs(got-0.625) > 1e-9 {
		t.Fatalf("Score() one TTL stale = %v, want 0.625", got)
	}
	if got := cache.Score("D", "B", now.Add(150*time.Second)); math.Abs(got-0.5625) > 1e-9 {
		t.Fatalf("Score() two TTLs stale = %v, want 0.5625", got)
	}
	if cache.Len() != 1 {
		t.Fatalf("stale entry discarded: Len() = %d", cache.Len())
	}

	// A new outcome folds into the decayed score, not the raw stale one.
	cache.RecordOutcome("D", "B", true, now.Add(90*time.Second))
	if got := cache.Score("D", "B", now.Add(90*time.Second)); math.Abs(got-0.8125) > 1e-9 {
		t.Fatalf("Score() after stale fold = %v, want 0.8125", got)
	}
}

func TestRouteCacheInvalidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache, err := NewRouteCache(16, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewRouteCache() error = %v", err)
	}

	cache.RecordOutcome("D", "B", true, now)
	cache.RecordOutcome("D", "C", true, now)
	cache.RecordOutcome("E", "B", false, now)

	cache.Invalidate("D")
	if got := cache.Score("D", "B", now); got != 0.5 {
		t.Fatalf("Score(D, B) after Invalidate = %v, want 0.5", got)
	}
	if got := cache.Score("D", "C", now); got != 0.5 {
		t.Fatalf("Score(D, C) after Invalidate = %v, want 0.5", got)
	}
	if got := cache.Score("E", "B", now); math.Abs(got-0.25) > 1e-9 {
		t.Fatalf("Invalidate(D) disturbed destination E: %v", got)
	}
}

func TestRouteCacheBounded(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache, err := NewRouteCache(4, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewRouteCache() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		cache.RecordOutcome(PeerID(rune('A'+i)), "R", true, now)
	}
	if got := cache.Len(); got > 4 {
		t.Fatalf("Len() = %d, want at most 4", got)
	}
}
