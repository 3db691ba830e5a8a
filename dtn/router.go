package dtn

import (
	"log/slog"
	"sort"
	"time"
)

// Connectivity is the live view of directly connected peers the router
// consults. The transport layer implements it.
type Connectivity interface {
	ConnectedPeers() []PeerID
	IsConnected(peer PeerID) bool
}

// DecisionKind classifies a routing decision.
type DecisionKind int

const (
	// DecisionDirect delivers straight to the connected destination.
	DecisionDirect DecisionKind = iota
	// DecisionRelay hands the bundle to one or more relay peers.
	DecisionRelay
	// DecisionHold spools the bundle until connectivity changes.
	DecisionHold
	// DecisionDrop discards the bundle for the given reason.
	DecisionDrop
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDirect:
		return "direct"
	case DecisionRelay:
		return "relay"
	case DecisionHold:
		return "hold"
	case DecisionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Decision is the outcome of routing one bundle. Relays is ordered best
// first; only epidemic routing produces more than one entry.
type Decision struct {
	Kind   DecisionKind
	Relays []PeerID
	Reason DropReason
}

// Router is the routing decision engine. It is a pure classifier: the
// engine that calls it performs the sends, hop recording, and spooling
// the decision implies. The router reads the tracker, the route cache,
// and custody cooldowns but never mutates topology state.
type Router struct {
	local    PeerID
	cfg      Config
	tracker  *MutualPeerTracker
	cache    *RouteCache
	custody  *CustodyManager
	selector *StrategySelector
	logger   *slog.Logger
}

// RouterOptions configures NewRouter. Selector and Logger may be nil.
type RouterOptions struct {
	Selector *StrategySelector
	Logger   *slog.Logger
}

// NewRouter wires a decision engine over the given collaborators.
func NewRouter(local PeerID, cfg Config, tracker *MutualPeerTracker, cache *RouteCache, custody *CustodyManager, opts RouterOptions) *Router {
	cfg = normalizeConfig(cfg)
	selector := opts.Selector
	if selector == nil {
		selector = NewStrategySelector(cfg.Strategy)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		local:    local,
		cfg:      cfg,
		tracker:  tracker,
		cache:    cache,
		custody:  custody,
		selector: selector,
		logger:   logger,
	}
}

// Decide classifies a bundle against the current connectivity snapshot.
//
// The procedure, in order: expired bundles drop with ExpiredTTL; bundles
// whose hop history reached the maximum drop with NoRoute; a connected
// destination yields Direct; otherwise the active strategy ranks relay
// candidates and the best ones yield Relay; with no candidate the bundle
// is held. The caller converts a failed Hold insertion into a
// QuotaExceeded drop.
func (r *Router) Decide(b *Bundle, conn Connectivity, now time.Time) Decision {
	if b.Expired(now) {
		return Decision{Kind: DecisionDrop, Reason: DropExpiredTTL}
	}
	if b.HopCount() >= r.cfg.MaxHopCount {
		return Decision{Kind: DecisionDrop, Reason: DropNoRoute}
	}
	if conn.IsConnected(b.Destination) {
		return Decision{Kind: DecisionDirect}
	}

	strategy := r.strategyFor(b, conn, now)

	// Spray-and-wait with a single copy left waits for direct contact.
	if strategy == StrategySprayAndWait && b.CopiesRemaining <= 1 {
		return Decision{Kind: DecisionHold}
	}

	relays := r.rankCandidates(b, conn, strategy, now)
	if len(relays) == 0 {
		return Decision{Kind: DecisionHold}
	}
	if limit := strategy.maxRelays(); limit > 0 && len(relays) > limit {
		relays = relays[:limit]
	}
	return Decision{Kind: DecisionRelay, Relays: relays}
}

// StrategyFor exposes the strategy the router would apply to a bundle,
// used by the engine when executing a Relay decision.
func (r *Router) StrategyFor(b *Bundle, conn Connectivity, now time.Time) Strategy {
	return r.strategyFor(b, conn, now)
}

func (r *Router) strategyFor(b *Bundle, conn Connectivity, now time.Time) Strategy {
	connected := conn.ConnectedPeers()
	known := r.tracker.KnownPeers()
	total := len(known)
	if total < len(connected) {
		total = len(connected)
	}
	ratio := 1.0
	if total > 0 {
		ratio = float64(len(connected)) / float64(total)
	}
	return r.selector.Select(b, ratio, conn.IsConnected(b.Destination), now)
}

type scoredRelay struct {
	peer       PeerID
	score      float64
	observedAt time.Time
}

// rankCandidates returns eligible relays best first. A peer is eligible
// when it is connected, is not the local node or the destination, has
// not already carried the bundle, and is not in a custody-reject
// cooldown for it. Store-and-forward and spray-and-wait additionally
// require the tracker to believe the peer reaches the destination;
// epidemic floods every eligible peer.
func (r *Router) rankCandidates(b *Bundle, conn Connectivity, strategy Strategy, now time.Time) []PeerID {
	var scored []scoredRelay
	for _, peer := range conn.ConnectedPeers() {
		if peer == r.local || peer == b.Destination || peer == b.Source {
			continue
		}
		if b.Visited(peer) {
			continue
		}
		if r.custody != nil && r.custody.InCooldown(b.ID, peer, now) {
			continue
		}
		observedAt, reaches := r.tracker.Reaches(peer, b.Destination)
		if !reaches && strategy != StrategyEpidemic {
			continue
		}
		score := r.tracker.Confidence(peer)
		if r.cache != nil {
			score *= r.cache.Score(b.Destination, peer, now)
		}
		scored = append(scored, scoredRelay{peer: peer, score: score, observedAt: observedAt})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		// Freshness breaks ties: the relay most recently observed next to
		// the destination wins.
		if !scored[i].observedAt.Equal(scored[j].observedAt) {
			return scored[i].observedAt.After(scored[j].observedAt)
		}
		return scored[i].peer < scored[j].peer
	})

	out := make([]PeerID, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.peer)
	}
	return out
}
