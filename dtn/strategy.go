package dtn

import "time"

// Strategy selects how bundles are replicated across relays.
type Strategy int

const (
	// StrategyStoreAndForward hands each bundle to a single best relay.
	// Best for well-connected meshes with occasional offline peers.
	StrategyStoreAndForward Strategy = iota
	// StrategyEpidemic floods bundles to every eligible relay. Maximizes
	// delivery probability on sparse meshes at a bandwidth cost.
	StrategyEpidemic
	// StrategySprayAndWait replicates a fixed copy budget, binary-splitting
	// it at each handoff, then each holder waits for direct contact.
	StrategySprayAndWait
)

func (s Strategy) String() string {
	switch s {
	case StrategyStoreAndForward:
		return "store-and-forward"
	case StrategyEpidemic:
		return "epidemic"
	case StrategySprayAndWait:
		return "spray-and-wait"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, bool) {
	switch s {
	case "store-and-forward", "store_and_forward":
		return StrategyStoreAndForward, true
	case "epidemic":
		return StrategyEpidemic, true
	case "spray-and-wait", "spray_and_wait":
		return StrategySprayAndWait, true
	default:
		return StrategyStoreAndForward, false
	}
}

// maxRelays is how many relays one routing decision may hand a bundle to.
// Zero means no limit.
func (s Strategy) maxRelays() int {
	if s == StrategyEpidemic {
		return 0
	}
	return 1
}

// replicates reports whether the strategy keeps a local copy after a
// relay handoff instead of releasing the bundle.
func (s Strategy) replicates() bool {
	return s == StrategyEpidemic || s == StrategySprayAndWait
}

// StrategyCondition inspects a bundle and the current mesh state.
type StrategyCondition func(b *Bundle, connectedRatio float64, destConnected bool, now time.Time) bool

// StrategyRule maps a condition to the strategy used when it matches.
type StrategyRule struct {
	Condition StrategyCondition
	Strategy  Strategy
}

// StrategySelector picks a strategy per bundle. Rules are evaluated in
// insertion order and the first match wins, falling back to the default.
type StrategySelector struct {
	def   Strategy
	rules []StrategyRule
}

// NewStrategySelector creates a selector that always returns def until
// rules are added.
func NewStrategySelector(def Strategy) *StrategySelector {
	return &StrategySelector{def: def}
}

// NewDefaultStrategySelector wires the stock rules: critical bundles and
// poorly connected meshes flood, bundles stuck past ten minutes switch
// to spray-and-wait.
func NewDefaultStrategySelector(def Strategy) *StrategySelector {
	sel := NewStrategySelector(def)
	sel.AddRule(StrategyRule{
		Condition: func(b *Bundle, _ float64, _ bool, _ time.Time) bool {
			return b.Priority >= PriorityCritical
		},
		Strategy: StrategyEpidemic,
	})
	sel.AddRule(StrategyRule{
		Condition: func(_ *Bundle, connectedRatio float64, _ bool, _ time.Time) bool {
			return connectedRatio < 0.3
		},
		Strategy: StrategyEpidemic,
	})
	sel.AddRule(StrategyRule{
		Condition: func(b *Bundle, _ float64, destConnected bool, now time.Time) bool {
			return !destConnected && b.Age(now) > 10*time.Minute
		},
		Strategy: StrategySprayAndWait,
	})
	return sel
}

// AddRule appends a rule. Earlier rules take precedence.
func (s *StrategySelector) AddRule(rule StrategyRule) {
	s.rules = append(s.rules, rule)
}

// Select returns the strategy for one bundle given the share of known
// peers currently connected and whether the destination is connected.
func (s *StrategySelector) Select(b *Bundle, connectedRatio float64, destConnected bool, now time.Time) Strategy {
	for _, rule := range s.rules {
		if rule.Condition != nil && rule.Condition(b, connectedRatio, destConnected, now) {
			return rule.Strategy
		}
	}
	return s.def
}
