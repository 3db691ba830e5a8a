package dtn

import (
	"testing"
	"time"
)

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Strategy
		ok   bool
	}{
		{"store-and-forward", StrategyStoreAndForward, true},
		{"store_and_forward", StrategyStoreAndForward, true},
		{"epidemic", StrategyEpidemic, true},
		{"spray-and-wait", StrategySprayAndWait, true},
		{"spray_and_wait", StrategySprayAndWait, true},
		{"flooding", StrategyStoreAndForward, false},
		{"", StrategyStoreAndForward, false},
	}
	for _, tc := range cases {
		got, ok := ParseStrategy(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseStrategy(%q) = %v, %v, want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStrategyStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []Strategy{StrategyStoreAndForward, StrategyEpidemic, StrategySprayAndWait} {
		got, ok := ParseStrategy(s.String())
		if !ok || got != s {
			t.Fatalf("ParseStrategy(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if Strategy(99).String() != "unknown" {
		t.Fatalf("String() for invalid strategy = %q", Strategy(99).String())
	}
}

func TestStrategySelectorDefault(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBundle("A", "B", nil, PriorityNormal, time.Hour, now)

	sel := NewStrategySelector(StrategySprayAndWait)
	if got := sel.Select(b, 1.0, true, now); got != StrategySprayAndWait {
		t.Fatalf("Select() with no rules = %v, want default", got)
	}
}

func TestDefaultStrategySelectorRules(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sel := NewDefaultStrategySelector(StrategyStoreAndForward)

	normal := NewBundle("A", "B", nil, PriorityNormal, time.Hour, now)
	if got := sel.Select(normal, 1.0, true, now); got != StrategyStoreAndForward {
		t.Fatalf("Select(normal, healthy mesh) = %v, want store-and-forward", got)
	}

	critical := NewBundle("A", "B", nil, PriorityCritical, time.Hour, now)
	if got := sel.Select(critical, 1.0, true, now); got != StrategyEpidemic {
		t.Fatalf("Select(critical) = %v, want epidemic", got)
	}

	if got := sel.Select(normal, 0.2, true, now); got != StrategyEpidemic {
		t.Fatalf("Select(sparse mesh) = %v, want epidemic", got)
	}

	stuck := NewBundle("A", "B", nil, PriorityNormal, time.Hour, now.Add(-15*time.Minute))
	if got := sel.Select(stuck, 1.0, false, now); got != StrategySprayAndWait {
		t.Fatalf("Select(stuck bundle) = %v, want spray-and-wait", got)
	}
	// A stuck bundle whose destination reconnected falls back to the
	// default.
	if got := sel.Select(stuck, 1.0, true, now); got != StrategyStoreAndForward {
		t.Fatalf("Select(stuck, dest connected) = %v, want store-and-forward", got)
	}
}

func TestStrategySelectorRuleOrder(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBundle("A", "B", nil, PriorityNormal, time.Hour, now)

	sel := NewStrategySelector(StrategyStoreAndForward)
	sel.AddRule(StrategyRule{
		Condition: func(*Bundle, float64, bool, time.Time) bool { return true },
		Strategy:  StrategyEpidemic,
	})
	sel.AddRule(StrategyRule{
		Condition: func(*Bundle, float64, bool, time.Time) bool { return true },
		Strategy:  StrategySprayAndWait,
	})
	if got := sel.Select(b, 1.0, true, now); got != StrategyEpidemic {
		t.Fatalf("Select() = %v, want first matching rule to win", got)
	}
}
