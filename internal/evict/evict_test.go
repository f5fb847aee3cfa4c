package evict_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taichi-dev/git-cdn/internal/evict"
)

func writeEntry(t *testing.T, dir, name string, size int, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func isHexEntry(path string) bool {
	return filepath.Ext(path) == ""
}

func TestSweepRemovesOldestUntilUnderBudget(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeEntry(t, dir, "oldest", 100, now.Add(-3*time.Hour))
	writeEntry(t, dir, "middle", 100, now.Add(-2*time.Hour))
	writeEntry(t, dir, "newest", 100, now.Add(-1*time.Hour))

	res, err := evict.Sweep(dir, 150, 0, isHexEntry, nil)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.RemovedEntries != 2 {
		t.Fatalf("expected 2 removed entries, got %d", res.RemovedEntries)
	}
	if _, err := os.Stat(filepath.Join(dir, "newest")); err != nil {
		t.Fatalf("expected newest entry to survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "oldest")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest entry to be removed")
	}
}

func TestSweepRemovesEntriesOlderThanMaxAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeEntry(t, dir, "stale", 10, now.Add(-48*time.Hour))
	writeEntry(t, dir, "fresh", 10, now)

	res, err := evict.Sweep(dir, 0, 24*time.Hour, isHexEntry, nil)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.RemovedEntries != 1 {
		t.Fatalf("expected 1 removed entry, got %d", res.RemovedEntries)
	}
	if _, err := os.Stat(filepath.Join(dir, "fresh")); err != nil {
		t.Fatalf("expected fresh entry to survive: %v", err)
	}
}

func TestSweepSkipsInUseEntries(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	locked := writeEntry(t, dir, "locked", 100, now.Add(-3*time.Hour))
	writeEntry(t, dir, "unlocked", 100, now.Add(-2*time.Hour))

	inUse := func(path string) bool { return path == locked }

	res, err := evict.Sweep(dir, 50, 0, isHexEntry, inUse)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(locked); err != nil {
		t.Fatalf("expected locked entry to survive eviction: %v", err)
	}
	if res.RemovedEntries != 1 {
		t.Fatalf("expected 1 removed entry (the unlocked one), got %d", res.RemovedEntries)
	}
}
