package dtn

import (
	"testing"
	"time"
)

func TestSweeperReleasesExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewQuotaStore(testQuotaConfig(), nil)
	sweeper := NewSweeper(store, nil)

	short := NewBundle("A", "B", nil, PriorityNormal, time.Minute, now)
	long := NewBundle("A", "B", nil, PriorityNormal, time.Hour, now)
	if _, err := store.Insert(short, now); err != nil {
		t.Fatalf("Insert(short) error = %v", err)
	}
	if _, err := store.Insert(long, now); err != nil {
		t.Fatalf("Insert(long) error = %v", err)
	}

	if result := sweeper.Sweep(now.Add(30 * time.Second)); len(result.Expired) != 0 {
		t.Fatalf("Sweep() expired live bundles: %v", result.Expired)
	}

	result := sweeper.Sweep(now.Add(2 * time.Minute))
	if len(result.Expired) != 1 || result.Expired[0] != short.ID {
		t.Fatalf("Sweep() expired = %v, want [%s]", result.Expired, short.ID)
	}
	if store.Has(short.ID) {
		t.Fatalf("expired bundle still stored")
	}
	if !store.Has(long.ID) {
		t.Fatalf("live bundle was released")
	}
}

func TestSweeperDemotesOneTierPerThreshold(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewQuotaStore(testQuotaConfig(), nil)
	sweeper := NewSweeper(store, []float64{0.5, 0.8})

	b := NewBundle("A", "B", nil, PriorityHigh, time.Hour, now)
	if _, err := store.Insert(b, now); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if result := sweeper.Sweep(now.Add(20 * time.Minute)); len(result.Demoted) != 0 {
		t.Fatalf("Sweep() demoted before first threshold: %v", result.Demoted)
	}

	result := sweeper.Sweep(now.Add(31 * time.Minute))
	if len(result.Demoted) != 1 {
		t.Fatalf("Sweep() at 50%% demoted %d, want 1", len(result.Demoted))
	}
	if result.Demoted[0].From != PriorityHigh || result.Demoted[0].To != PriorityNormal {
		t.Fatalf("demotion = %+v, want high -> normal", result.Demoted[0])
	}

	// The same threshold is never applied twice.
	if result := sweeper.Sweep(now.Add(35 * time.Minute)); len(result.Demoted) != 0 {
		t.Fatalf("Sweep() re-applied a crossed threshold: %v", result.Demoted)
	}

	result = sweeper.Sweep(now.Add(50 * time.Minute))
	if len(result.Demoted) != 1 || result.Demoted[0].To != PriorityLow {
		t.Fatalf("Sweep() at 80%% = %+v, want normal -> low", result.Demoted)
	}

	got, ok := store.Get(b.ID)
	if !ok || got.Priority != PriorityLow {
		t.Fatalf("stored priority = %v, want low", got.Priority)
	}
}

func TestSweeperCatchesUpMissedThresholds(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewQuotaStore(testQuotaConfig(), nil)
	sweeper := NewSweeper(store, []float64{0.5, 0.8})

	b := NewBundle("A", "B", nil, PriorityCritical, time.Hour, now)
	if _, err := store.Insert(b, now); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// A single late sweep crosses both thresholds at once and demotes two
	// tiers in one step.
	result := sweeper.Sweep(now.Add(50 * time.Minute))
	if len(result.Demoted) != 1 {
		t.Fatalf("Sweep() demoted %d, want 1", len(result.Demoted))
	}
	if result.Demoted[0].From != PriorityCritical || result.Demoted[0].To != PriorityNormal {
		t.Fatalf("demotion = %+v, want critical -> normal", result.Demoted[0])
	}
}

func TestSweeperFloorsAtLow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewQuotaStore(testQuotaConfig(), nil)
	sweeper := NewSweeper(store, []float64{0.5, 0.8})

	b := NewBundle("A", "B", nil, PriorityLow, time.Hour, now)
	if _, err := store.Insert(b, now); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	result := sweeper.Sweep(now.Add(50 * time.Minute))
	if len(result.Demoted) != 0 {
		t.Fatalf("Sweep() demoted below low: %v", result.Demoted)
	}
	got, _ := store.Get(b.ID)
	if got.Priority != PriorityLow {
		t.Fatalf("priority = %v, want low", got.Priority)
	}
}
