package dtn

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSpoolRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	spool, err := NewFileSpool(filepath.Join(t.TempDir(), "spool"), FileSpoolOptions{})
	if err != nil {
		t.Fatalf("NewFileSpool() error = %v", err)
	}

	b := NewBundle("A", "B", []byte("persist me"), PriorityHigh, time.Hour, now)
	b.Custodian = "A"
	b.RecordHop("A")
	if err := spool.SaveBundle(b); err != nil {
		t.Fatalf("SaveBundle() error = %v", err)
	}

	bundles, err := spool.LoadBundles()
	if err != nil {
		t.Fatalf("LoadBundles() error = %v", err)
	}
	if len(bundles) != 1 {
		t.Fatalf("LoadBundles() = %d bundles, want 1", len(bundles))
	}
	got := bundles[0]
	if got.ID != b.ID || string(got.Payload) != "persist me" {
		t.Fatalf("loaded bundle mismatch: %+v", got)
	}
	if got.Custodian != "A" || got.Priority != PriorityHigh || got.HopCount() != 1 {
		t.Fatalf("loaded metadata mismatch: %+v", got)
	}

	if err := spool.DeleteBundle(b.ID); err != nil {
		t.Fatalf("DeleteBundle() error = %v", err)
	}
	bundles, err = spool.LoadBundles()
	if err != nil {
		t.Fatalf("LoadBundles() error = %v", err)
	}
	if len(bundles) != 0 {
		t.Fatalf("LoadBundles() after delete = %d bundles", len(bundles))
	}

	// Deleting again is a no-op.
	if err := spool.DeleteBundle(b.ID); err != nil {
		t.Fatalf("DeleteBundle() second call error = %v", err)
	}
}

func TestFileSpoolOverwrite(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	spool, err := NewFileSpool(t.TempDir(), FileSpoolOptions{})
	if err != nil {
		t.Fatalf("NewFileSpool() error = %v", err)
	}

	b := NewBundle("A", "B", nil, PriorityNormal, time.Hour, now)
	if err := spool.SaveBundle(b); err != nil {
		t.Fatalf("SaveBundle() error = %v", err)
	}

	b.RecordHop("A")
	b.RecordHop("C")
	b.Priority = PriorityLow
	if err := spool.SaveBundle(b); err != nil {
		t.Fatalf("SaveBundle() overwrite error = %v", err)
	}

	bundles, err := spool.LoadBundles()
	if err != nil {
		t.Fatalf("LoadBundles() error = %v", err)
	}
	if len(bundles) != 1 || bundles[0].HopCount() != 2 || bundles[0].Priority != PriorityLow {
		t.Fatalf("overwrite lost updates: %+v", bundles[0])
	}
}

func TestFileSpoolSkipsCorruptFiles(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	spool, err := NewFileSpool(dir, FileSpoolOptions{})
	if err != nil {
		t.Fatalf("NewFileSpool() error = %v", err)
	}

	good := NewBundle("A", "B", []byte("ok"), PriorityNormal, time.Hour, now)
	if err := spool.SaveBundle(good); err != nil {
		t.Fatalf("SaveBundle() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bnd_corrupt.json"), []byte("{torn write"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bnd_future.json"), []byte(`{"version":99,"bundle":null}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	bundles, err := spool.LoadBundles()
	if err != nil {
		t.Fatalf("LoadBundles() error = %v", err)
	}
	if len(bundles) != 1 || bundles[0].ID != good.ID {
		t.Fatalf("LoadBundles() = %d bundles, want just the intact one", len(bundles))
	}
}

func TestFileSpoolRejectsTraversalIDs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	spool, err := NewFileSpool(t.TempDir(), FileSpoolOptions{})
	if err != nil {
		t.Fatalf("NewFileSpool() error = %v", err)
	}

	b := NewBundle("A", "B", nil, PriorityNormal, time.Hour, now)
	b.ID = "../escape"
	if err := spool.SaveBundle(b); err == nil {
		t.Fatalf("SaveBundle() accepted a path traversal id")
	}
	if err := spool.DeleteBundle("a/b"); err == nil {
		t.Fatalf("DeleteBundle() accepted a path traversal id")
	}
}
