package dtn

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	confidenceInit  = 0.75
	confidenceBeta  = 0.25
	confidenceGamma = 0.98
	confidenceMax   = 0.99
	confidenceMin   = 0.01
	// confidenceFailPenalty halves a relay's score after a failed handoff.
	confidenceFailPenalty = 0.5
)

// RelayCandidate is one possible next hop toward a destination, with the
// tracker's confidence in it and the freshness of the supporting view.
type RelayCandidate struct {
	Peer       PeerID
	Confidence float64
	ObservedAt time.Time
}

// MutualPeerTracker records which destinations each directly connected
// peer claims to reach, and maintains an encounter-history confidence
// score per peer. Announcements feed the views; encounters and relay
// outcomes feed the confidence. Confidence ages toward zero when a peer
// is not seen, so stale knowledge loses out to fresh knowledge.
type MutualPeerTracker struct {
	mu    sync.Mutex
	local PeerID

	confidence    map[PeerID]float64
	lastEncounter map[PeerID]time.Time
	views         map[PeerID]*peerView

	decayInterval time.Duration
	viewTimeout   time.Duration
	lastAged      time.Time
}

type peerView struct {
	// reachable maps each destination the peer announced to the time of
	// the announcement that carried it.
	reachable map[PeerID]time.Time
	updatedAt time.Time
}

// NewMutualPeerTracker creates a tracker for the given local peer.
func NewMutualPeerTracker(local PeerID, decayInterval, viewTimeout time.Duration, now time.Time) *MutualPeerTracker {
	if decayInterval <= 0 {
		decayInterval = DefaultConfidenceDecay
	}
	if viewTimeout <= 0 {
		viewTimeout = DefaultSeenTimeout
	}
	return &MutualPeerTracker{
		local:         local,
		confidence:    make(map[PeerID]float64),
		lastEncounter: make(map[PeerID]time.Time),
		views:         make(map[PeerID]*peerView),
		decayInterval: decayInterval,
		viewTimeout:   viewTimeout,
		lastAged:      now,
	}
}

// Encounter reinforces confidence in a directly seen peer:
// P = P + (1-P) * P_init, capped.
func (t *MutualPeerTracker) Encounter(peer PeerID, now time.Time) {
	if peer == t.local || peer == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bumpLocked(peer)
	t.lastEncounter[peer] = now
}

func (t *MutualPeerTracker) bumpLocked(peer PeerID) {
	p := t.confidence[peer]
	p = p + (1-p)*confidenceInit
	if p > confidenceMax {
		p = confidenceMax
	}
	t.confidence[peer] = p
}

// ObserveAnnouncement records the set of destinations a connected peer
// claims to reach, replacing its previous view, and applies the
// transitive update P(dest) = max(P(dest), P(peer) * P_init * beta) for
// every announced destination.
func (t *MutualPeerTracker) ObserveAnnouncement(peer PeerID, reachable []PeerID, now time.Time) {
	if peer == t.local || peer == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bumpLocked(peer)
	t.lastEncounter[peer] = now

	view := &peerView{reachable: make(map[PeerID]time.Time, len(reachable)), updatedAt: now}
	for _, dest := range reachable {
		if dest == t.local || dest == peer || dest == "" {
			continue
		}
		view.reachable[dest] = now
		transitive := t.confidence[peer] * confidenceInit * confidenceBeta
		if transitive > t.confidence[dest] {
			t.confidence[dest] = transitive
		}
	}
	t.views[peer] = view
}

// Forget drops a disconnected peer's view. Its confidence is kept and
// will age out naturally.
func (t *MutualPeerTracker) Forget(peer PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.views, peer)
}

// ObserveRelayOutcome adjusts confidence in a relay after a handoff
// attempt toward dest: success reinforces, failure halves.
func (t *MutualPeerTracker) ObserveRelayOutcome(relay PeerID, success bool, now time.Time) {
	if relay == t.local || relay == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.bumpLocked(relay)
		t.lastEncounter[relay] = now
		return
	}
	p := t.confidence[relay] * confidenceFailPenalty
	if p < confidenceMin {
		delete(t.confidence, relay)
		return
	}
	t.confidence[relay] = p
}

// Reaches reports whether the tracker has a live view showing that relay
// can reach dest, and when that view was observed.
func (t *MutualPeerTracker) Reaches(relay, dest PeerID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	view, ok := t.views[relay]
	if !ok {
		return time.Time{}, false
	}
	at, ok := view.reachable[dest]
	return at, ok
}

// Confidence returns the current delivery confidence for a peer.
func (t *MutualPeerTracker) Confidence(peer PeerID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confidence[peer]
}

// RelaysFor returns every peer with a live view containing dest, best
// first: higher confidence wins, and between equal confidences the more
// recently observed view wins.
func (t *MutualPeerTracker) RelaysFor(dest PeerID) []RelayCandidate {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []RelayCandidate
	for peer, view := range t.views {
		at, ok := view.reachable[dest]
		if !ok {
			continue
		}
		out = append(out, RelayCandidate{Peer: peer, Confidence: t.confidence[peer], ObservedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.After(out[j].ObservedAt)
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}

// Age applies exponential decay to every confidence entry based on how
// many decay intervals elapsed since the last call, prunes entries that
// fell below the floor, and expires views older than the view timeout.
func (t *MutualPeerTracker) Age(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.lastAged)
	if elapsed <= 0 {
		return
	}
	intervals := float64(elapsed) / float64(t.decayInterval)
	factor := math.Pow(confidenceGamma, intervals)
	t.lastAged = now

	for peer, p := range t.confidence {
		aged := p * factor
		if aged < confidenceMin {
			delete(t.confidence, peer)
			continue
		}
		t.confidence[peer] = aged
	}
	for peer, view := range t.views {
		if now.Sub(view.updatedAt) > t.viewTimeout {
			delete(t.views, peer)
		}
	}
}

// KnownPeers returns every peer with a confidence entry, for status
// reporting.
func (t *MutualPeerTracker) KnownPeers() []PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]PeerID, 0, len(t.confidence))
	for peer := range t.confidence {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
