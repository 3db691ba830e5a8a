package dtn

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrQuotaExceeded means storage is full and nothing of lower priority
	// could be evicted to make room.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrBundleExists means the bundle ID is already stored. Receivers use
	// this to deduplicate replicated copies.
	ErrBundleExists = errors.New("bundle already stored")
	// ErrBundleNotFound means no bundle with that ID is held.
	ErrBundleNotFound = errors.New("bundle not found")
)

type quotaEntry struct {
	bundle      *Bundle
	owner       PeerID
	lastTouched time.Time
	pinned      bool
}

type peerUsage struct {
	bytes int64
	count int
}

// QuotaStore holds pending bundles under per-peer and global ceilings.
// Eviction removes the least-recently-touched bundle within the lowest
// occupied priority tier, so high-priority bundles survive pressure from
// low-priority churn. Confirmation bundles are pinned: they are charged
// against a reserved pool and never selected for eviction.
//
// The store owns bundle payload bytes; Release is the only path that
// truly frees them.
type QuotaStore struct {
	mu      sync.Mutex
	cfg     Config
	entries map[BundleID]*quotaEntry
	perPeer map[PeerID]*peerUsage

	globalBytes int64
	globalCount int
	pinnedBytes int64

	spool Spool
}

// NewQuotaStore creates an in-memory quota store. A nil spool disables
// persistence.
func NewQuotaStore(cfg Config, spool Spool) *QuotaStore {
	return &QuotaStore{
		cfg:     normalizeConfig(cfg),
		entries: map[BundleID]*quotaEntry{},
		perPeer: map[PeerID]*peerUsage{},
		spool:   spool,
	}
}

// Restore loads persisted bundles back into the store, used at startup so
// bundles under local custody survive a restart. Expired bundles are
// discarded rather than restored.
func (q *QuotaStore) Restore(now time.Time) (int, error) {
	if q.spool == nil {
		return 0, nil
	}
	bundles, err := q.spool.LoadBundles()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, b := range bundles {
		if b.Expired(now) {
			_ = q.spool.DeleteBundle(b.ID)
			continue
		}
		if _, err := q.Insert(b, now); err != nil {
			continue
		}
		restored++
	}
	return restored, nil
}

// Insert stores a bundle, evicting lower-priority bundles if needed.
// The bundle is accounted against its destination peer. Evicted bundles
// are returned so the caller can emit drop events and release custody
// for them; on error nothing was evicted.
func (q *QuotaStore) Insert(b *Bundle, now time.Time) ([]*Bundle, error) {
	if b == nil {
		return nil, fmt.Errorf("nil bundle")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[b.ID]; ok {
		return nil, ErrBundleExists
	}

	size := b.Size()
	if b.Confirmation {
		if q.pinnedBytes+size > q.cfg.ReservedConfirmBytes {
			return nil, ErrQuotaExceeded
		}
		q.storeLocked(b, now, true)
		return nil, nil
	}

	var victims []*quotaEntry
	usage := q.usageFor(b.Destination)
	peerBytes, peerCount := usage.bytes, usage.count
	globalBytes, globalCount := q.globalBytes, q.globalCount
	taken := func(entry *quotaEntry) bool {
		for _, v := range victims {
			if v == entry {
				return true
			}
		}
		return false
	}
	for peerBytes+size > q.cfg.PerPeerQuotaBytes || peerCount+1 > q.cfg.PerPeerQuotaCount {
		victim := q.evictCandidateLocked(b.Destination, b.Priority, taken)
		if victim == nil {
			return nil, ErrQuotaExceeded
		}
		victims = append(victims, victim)
		peerBytes -= victim.bundle.Size()
		peerCount--
		globalBytes -= victim.bundle.Size()
		globalCount--
	}
	for globalBytes+size > q.cfg.GlobalQuotaBytes || globalCount+1 > q.cfg.GlobalQuotaCount {
		victim := q.evictCandidateLocked("", b.Priority, taken)
		if victim == nil {
			return nil, ErrQuotaExceeded
		}
		victims = append(victims, victim)
		if victim.owner == b.Destination {
			peerBytes -= victim.bundle.Size()
			peerCount--
		}
		globalBytes -= victim.bundle.Size()
		globalCount--
	}

	evicted := make([]*Bundle, 0, len(victims))
	for _, victim := range victims {
		q.removeLocked(victim)
		evicted = append(evicted, victim.bundle)
	}
	q.storeLocked(b, now, false)
	return evicted, nil
}

func (q *QuotaStore) storeLocked(b *Bundle, now time.Time, pinned bool) {
	entry := &quotaEntry{
		bundle:      b,
		owner:       b.Destination,
		lastTouched: now,
		pinned:      pinned,
	}
	q.entries[b.ID] = entry
	size := b.Size()
	if pinned {
		q.pinnedBytes += size
	} else {
		usage := q.usageFor(b.Destination)
		usage.bytes += size
		usage.count++
		q.globalBytes += size
		q.globalCount++
	}
	if q.spool != nil {
		_ = q.spool.SaveBundle(b)
	}
}

// evictCandidateLocked finds the least-recently-touched unpinned bundle in
// the lowest occupied priority tier below incoming. An empty owner means
// evict globally, and a non-nil skip filter excludes entries already
// claimed by the caller. Returns nil when nothing qualifies.
func (q *QuotaStore) evictCandidateLocked(owner PeerID, incoming Priority, skip func(*quotaEntry) bool) *quotaEntry {
	var victim *quotaEntry
	for _, entry := range q.entries {
		if entry.pinned {
			continue
		}
		if owner != "" && entry.owner != owner {
			continue
		}
		if skip != nil && skip(entry) {
			continue
		}
		if entry.bundle.Priority >= incoming {
			continue
		}
		if victim == nil ||
			entry.bundle.Priority < victim.bundle.Priority ||
			(entry.bundle.Priority == victim.bundle.Priority && entry.lastTouched.Before(victim.lastTouched)) {
			victim = entry
		}
	}
	return victim
}

// EvictCandidate removes and returns the bundle that would be evicted
// first under pressure from a bundle of the given priority, or nil.
func (q *QuotaStore) EvictCandidate(incoming Priority) *Bundle {
	q.mu.Lock()
	defer q.mu.Unlock()
	victim := q.evictCandidateLocked("", incoming, nil)
	if victim == nil {
		return nil
	}
	q.removeLocked(victim)
	return victim.bundle
}

func (q *QuotaStore) removeLocked(entry *quotaEntry) {
	delete(q.entries, entry.bundle.ID)
	size := entry.bundle.Size()
	if entry.pinned {
		q.pinnedBytes -= size
	} else {
		usage := q.usageFor(entry.owner)
		usage.bytes -= size
		usage.count--
		q.globalBytes -= size
		q.globalCount--
	}
	if q.spool != nil {
		_ = q.spool.DeleteBundle(entry.bundle.ID)
	}
}

// Release frees a held bundle. It is called by back-propagation on
// confirmation and by the lifecycle sweep on expiry.
func (q *QuotaStore) Release(id BundleID) (*Bundle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	q.removeLocked(entry)
	return entry.bundle, true
}

// Touch refreshes the eviction recency of a bundle.
func (q *QuotaStore) Touch(id BundleID, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.entries[id]; ok {
		entry.lastTouched = now
	}
}

// Get returns a held bundle without affecting eviction order.
func (q *QuotaStore) Get(id BundleID) (*Bundle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	return entry.bundle, true
}

// Has reports whether the bundle ID is held.
func (q *QuotaStore) Has(id BundleID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[id]
	return ok
}

// SetPriority updates a held bundle's priority, repositioning it for
// eviction. Used by lifecycle demotion.
func (q *QuotaStore) SetPriority(id BundleID, p Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return false
	}
	entry.bundle.Priority = p
	if q.spool != nil {
		_ = q.spool.SaveBundle(entry.bundle)
	}
	return true
}

// Save re-persists a held bundle after in-place metadata changes such as
// a recorded hop or a spray split.
func (q *QuotaStore) Save(id BundleID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return
	}
	if q.spool != nil {
		_ = q.spool.SaveBundle(entry.bundle)
	}
}

// PendingFor returns the held bundles destined for a peer, used to drain
// the spool when that peer reconnects.
func (q *QuotaStore) PendingFor(dest PeerID) []*Bundle {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Bundle
	for _, entry := range q.entries {
		if entry.bundle.Destination == dest {
			out = append(out, entry.bundle)
		}
	}
	return out
}

// All returns every held bundle. The lifecycle sweep iterates this.
func (q *QuotaStore) All() []*Bundle {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Bundle, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry.bundle)
	}
	return out
}

// Len is the number of held bundles, pinned included.
func (q *QuotaStore) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Usage reports occupancy for a peer and globally.
type Usage struct {
	PeerBytes   int64
	PeerCount   int
	GlobalBytes int64
	GlobalCount int
	PinnedBytes int64
}

// UsageFor reports current occupancy against the ceilings.
func (q *QuotaStore) UsageFor(peer PeerID) Usage {
	q.mu.Lock()
	defer q.mu.Unlock()
	usage := q.usageFor(peer)
	return Usage{
		PeerBytes:   usage.bytes,
		PeerCount:   usage.count,
		GlobalBytes: q.globalBytes,
		GlobalCount: q.globalCount,
		PinnedBytes: q.pinnedBytes,
	}
}

// usageFor lazily creates the per-peer quota entry. Entries are never
// deleted, only reset to zero as bundles drain.
func (q *QuotaStore) usageFor(peer PeerID) *peerUsage {
	usage, ok := q.perPeer[peer]
	if !ok {
		usage = &peerUsage{}
		q.perPeer[peer] = usage
	}
	return usage
}
