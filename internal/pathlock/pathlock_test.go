package pathlock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	l := New()
	path := filepath.Join(dir, "entry")
	lockPath := path + ".lock"

	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := l.AcquireTimeout(path, lockPath, 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			h.Release()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected max concurrency 1, got %d", maxActive)
	}
}

func TestAcquireTimeoutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	l := New()
	path := filepath.Join(dir, "entry")
	lockPath := path + ".lock"

	h, err := l.AcquireTimeout(path, lockPath, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, path, lockPath); err == nil {
		t.Fatalf("expected timeout acquiring held lock")
	}
}

func TestReleaseRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	l := New()
	path := filepath.Join(dir, "entry")
	lockPath := path + ".lock"

	h, err := l.AcquireTimeout(path, lockPath, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Release()

	l.mu.Lock()
	_, exists := l.entries[path]
	l.mu.Unlock()
	if exists {
		t.Fatalf("expected entry to be cleaned up after release")
	}
}
