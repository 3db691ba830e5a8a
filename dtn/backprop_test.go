package dtn

import (
	"testing"
	"time"
)

func TestBuildConfirmationPathOrder(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBundle("A", "C", nil, PriorityNormal, time.Hour, now)
	b.RecordHop("A")
	b.RecordHop("B")
	b.RecordHop("C")

	c := BuildConfirmation(b, "C", OutcomeDelivered)
	if c.BundleID != b.ID || c.ConfirmingPeer != "C" || c.Outcome != OutcomeDelivered {
		t.Fatalf("BuildConfirmation() = %+v", c)
	}

	// The confirmer is excluded and the nearest upstream hop comes last,
	// so propagation walks B then A.
	next, ok := c.NextUpstream()
	if !ok || next != "B" {
		t.Fatalf("NextUpstream() = %s, %v, want B, true", next, ok)
	}
	c.Pop()
	next, ok = c.NextUpstream()
	if !ok || next != "A" {
		t.Fatalf("NextUpstream() = %s, %v, want A, true", next, ok)
	}
}

func TestBackPropagatorApplyIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := NewBackPropagator("A", time.Hour)
	c := &Confirmation{BundleID: "bnd_1", ConfirmingPeer: "C", Outcome: OutcomeDelivered}

	if !p.Apply(c, now) {
		t.Fatalf("Apply() = false for first application")
	}
	if p.Apply(c, now) {
		t.Fatalf("Apply() = true for duplicate")
	}

	// A different outcome for the same bundle is a distinct confirmation.
	custody := &Confirmation{BundleID: "bnd_1", ConfirmingPeer: "B", Outcome: OutcomeCustodyAccepted}
	if !p.Apply(custody, now) {
		t.Fatalf("Apply() = false for distinct outcome")
	}
}

func TestBackPropagatorAwaiting(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := NewBackPropagator("A", time.Minute)

	p.Await("bnd_1", now)
	p.Await("bnd_2", now.Add(30*time.Second))
	if !p.Awaiting("bnd_1") {
		t.Fatalf("Awaiting(bnd_1) = false")
	}

	// Applying the confirmation clears the awaiting entry.
	p.Apply(&Confirmation{BundleID: "bnd_1", ConfirmingPeer: "C", Outcome: OutcomeDelivered}, now)
	if p.Awaiting("bnd_1") {
		t.Fatalf("Awaiting(bnd_1) = true after confirmation applied")
	}

	timedOut := p.TimedOut(now.Add(2 * time.Minute))
	if len(timedOut) != 1 || timedOut[0] != "bnd_2" {
		t.Fatalf("TimedOut() = %v, want [bnd_2]", timedOut)
	}
	if p.Awaiting("bnd_2") {
		t.Fatalf("Awaiting(bnd_2) = true after timeout")
	}
	if got := p.TimedOut(now.Add(3 * time.Minute)); len(got) != 0 {
		t.Fatalf("TimedOut() reported the same bundle twice: %v", got)
	}
}

func TestBackPropagatorCleanup(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := NewBackPropagator("A", time.Minute)
	c := &Confirmation{BundleID: "bnd_1", ConfirmingPeer: "C", Outcome: OutcomeDelivered}

	p.Apply(c, now)

	// Inside the retention window late duplicates are still absorbed.
	p.Cleanup(now.Add(90 * time.Second))
	if p.Apply(c, now.Add(90*time.Second)) {
		t.Fatalf("Apply() = true inside retention window")
	}

	p.Cleanup(now.Add(5 * time.Minute))
	if !p.Apply(c, now.Add(5*time.Minute)) {
		t.Fatalf("Apply() = false after marker expired")
	}
}
