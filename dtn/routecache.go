package dtn

import (
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// routeOutcome is one cached observation of how a relay worked out for a
// destination.
type routeOutcome struct {
	score     float64
	updatedAt time.Time
}

// RouteCache remembers recent relay outcomes per (destination, relay)
// pair. Entries carry an exponentially smoothed success score; past the
// TTL the stored score is still served, pulled halfway toward neutral
// for every elapsed TTL, so old evidence fades without being discarded
// outright. The cache biases the router toward relays that worked
// recently without ever overriding live reachability.
type RouteCache struct {
	cache *lru.Cache
	ttl   time.Duration
}

// NewRouteCache creates a bounded route cache.
func NewRouteCache(size int, ttl time.Duration) (*RouteCache, error) {
	if size <= 0 {
		size = DefaultRouteCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultRouteCacheTTL
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create route cache: %w", err)
	}
	return &RouteCache{cache: cache, ttl: ttl}, nil
}

func routeKey(dest, relay PeerID) string {
	return string(dest) + "|" + string(relay)
}

// RecordOutcome folds a handoff result into the pair's score. Scores
// move by half toward 1 on success and toward 0 on failure, starting
// from the staleness-decayed value of any existing entry.
func (c *RouteCache) RecordOutcome(dest, relay PeerID, success bool, now time.Time) {
	key := routeKey(dest, relay)
	score := 0.5
	if v, ok := c.cache.Get(key); ok {
		entry := v.(routeOutcome)
		score = c.decayed(entry, now)
	}
	if success {
		score += (1 - score) * 0.5
	} else {
		score *= 0.5
	}
	c.cache.Add(key, routeOutcome{score: score, updatedAt: now})
}

// Score returns the cached score for a pair, or the neutral 0.5 when the
// pair is unknown. Stale entries are weighted down, not dropped.
func (c *RouteCache) Score(dest, relay PeerID, now time.Time) float64 {
	v, ok := c.cache.Get(routeKey(dest, relay))
	if !ok {
		return 0.5
	}
	return c.decayed(v.(routeOutcome), now)
}

// decayed halves the entry's distance from neutral for every full TTL
// elapsed beyond the first.
func (c *RouteCache) decayed(entry routeOutcome, now time.Time) float64 {
	age := now.Sub(entry.updatedAt)
	if age <= c.ttl {
		return entry.score
	}
	periods := float64(age / c.ttl)
	return 0.5 + (entry.score-0.5)*math.Pow(0.5, periods)
}

// Invalidate drops every cached pair for a destination. The LRU has no
// prefix lookup, so this walks the current keys.
func (c *RouteCache) Invalidate(dest PeerID) {
	prefix := string(dest) + "|"
	for _, key := range c.cache.Keys() {
		k := key.(string)
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.cache.Remove(key)
		}
	}
}

// Len reports the number of live cache entries.
func (c *RouteCache) Len() int {
	return c.cache.Len()
}
