package dtn

import (
	"sort"
	"sync"
	"time"
)

// BackPropagator routes custody and delivery confirmations backward
// along the path a bundle traversed. Each hop applies the confirmation
// locally exactly once, pops itself off the remaining path, and forwards
// to the next upstream hop. The source is the last stop.
type BackPropagator struct {
	mu      sync.Mutex
	local   PeerID
	timeout time.Duration

	// applied remembers confirmations already seen so replayed or looped
	// confirmations are no-ops.
	applied map[string]time.Time
	// awaiting tracks locally submitted bundles whose confirmation has
	// not arrived yet.
	awaiting map[BundleID]time.Time
}

// NewBackPropagator creates a propagator for the local peer. timeout
// bounds how long a locally submitted bundle waits for a confirmation
// before it is reported as unconfirmed.
func NewBackPropagator(local PeerID, timeout time.Duration) *BackPropagator {
	if timeout <= 0 {
		timeout = DefaultBundleLifetime
	}
	return &BackPropagator{
		local:    local,
		timeout:  timeout,
		applied:  make(map[string]time.Time),
		awaiting: make(map[BundleID]time.Time),
	}
}

// BuildConfirmation creates the confirmation for a bundle this node just
// delivered or accepted custody of. The remaining path is the bundle's
// hop history, nearest upstream last, so NextUpstream walks it backward.
func BuildConfirmation(b *Bundle, confirmer PeerID, outcome ConfirmOutcome) *Confirmation {
	path := make([]PeerID, 0, len(b.HopHistory))
	for _, hop := range b.HopHistory {
		if hop == confirmer {
			continue
		}
		path = append(path, hop)
	}
	return &Confirmation{
		BundleID:       b.ID,
		ConfirmingPeer: confirmer,
		Outcome:        outcome,
		PathRemaining:  path,
	}
}

func appliedKey(c *Confirmation) string {
	return string(c.BundleID) + ":" + string(c.Outcome)
}

// Apply records a confirmation locally. It returns false when this
// confirmation was already applied here, so duplicates stop propagating.
func (p *BackPropagator) Apply(c *Confirmation, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := appliedKey(c)
	if _, ok := p.applied[key]; ok {
		return false
	}
	p.applied[key] = now
	delete(p.awaiting, c.BundleID)
	return true
}

// Await registers a locally submitted bundle that expects a confirmation.
func (p *BackPropagator) Await(id BundleID, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.awaiting[id] = now
}

// Awaiting reports whether a confirmation for the bundle is still due.
func (p *BackPropagator) Awaiting(id BundleID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.awaiting[id]
	return ok
}

// TimedOut returns bundles that waited past the confirmation timeout and
// removes them from the awaiting set.
func (p *BackPropagator) TimedOut(now time.Time) []BundleID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []BundleID
	for id, since := range p.awaiting {
		if now.Sub(since) > p.timeout {
			out = append(out, id)
			delete(p.awaiting, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cleanup drops applied markers older than twice the timeout. Keeping
// them a while past the timeout still absorbs late duplicates.
func (p *BackPropagator) Cleanup(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, at := range p.applied {
		if now.Sub(at) > 2*p.timeout {
			delete(p.applied, key)
		}
	}
}
