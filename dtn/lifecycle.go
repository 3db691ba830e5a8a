package dtn

import (
	"sort"
	"sync"
	"time"
)

// Demotion records one priority step applied to an aging bundle.
type Demotion struct {
	BundleID BundleID
	From     Priority
	To       Priority
}

// SweepResult is the outcome of one lifecycle pass.
type SweepResult struct {
	Expired []BundleID
	Demoted []Demotion
}

// Sweeper runs the periodic lifecycle pass over spooled bundles: bundles
// past their lifetime are released, and bundles crossing a lifetime
// fraction threshold are demoted one priority tier per threshold.
// Demotion is monotonic, a bundle never regains a tier.
type Sweeper struct {
	mu         sync.Mutex
	store      *QuotaStore
	thresholds []float64
	// crossed tracks how many thresholds each bundle has already been
	// demoted for.
	crossed map[BundleID]int
}

// NewSweeper creates a sweeper over the store. thresholds are fractions
// of a bundle's lifetime, ascending.
func NewSweeper(store *QuotaStore, thresholds []float64) *Sweeper {
	if len(thresholds) == 0 {
		thresholds = []float64{0.5, 0.8}
	}
	sorted := append([]float64(nil), thresholds...)
	sort.Float64s(sorted)
	return &Sweeper{
		store:      store,
		thresholds: sorted,
		crossed:    make(map[BundleID]int),
	}
}

// Sweep runs one pass at the given instant. Expired bundles are removed
// from the store and reported; the caller emits drop events and releases
// custody. Surviving bundles are demoted as their age dictates.
func (s *Sweeper) Sweep(now time.Time) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult
	for _, b := range s.store.All() {
		if b.Expired(now) {
			s.store.Release(b.ID)
			delete(s.crossed, b.ID)
			result.Expired = append(result.Expired, b.ID)
			continue
		}
		due := s.thresholdsCrossed(b, now)
		applied := s.crossed[b.ID]
		if due <= applied {
			continue
		}
		from := b.Priority
		to := from
		for i := applied; i < due; i++ {
			to = to.Demote()
		}
		s.crossed[b.ID] = due
		if to == from {
			continue
		}
		s.store.SetPriority(b.ID, to)
		result.Demoted = append(result.Demoted, Demotion{BundleID: b.ID, From: from, To: to})
	}

	// Forget bundles that left the store between sweeps.
	for id := range s.crossed {
		if !s.store.Has(id) {
			delete(s.crossed, id)
		}
	}

	sort.Slice(result.Expired, func(i, j int) bool { return result.Expired[i] < result.Expired[j] })
	sort.Slice(result.Demoted, func(i, j int) bool { return result.Demoted[i].BundleID < result.Demoted[j].BundleID })
	return result
}

func (s *Sweeper) thresholdsCrossed(b *Bundle, now time.Time) int {
	if b.Lifetime <= 0 {
		return 0
	}
	frac := float64(b.Age(now)) / float64(b.Lifetime)
	n := 0
	for _, threshold := range s.thresholds {
		if frac >= threshold {
			n++
		}
	}
	return n
}
