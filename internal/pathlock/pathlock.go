// Package pathlock implements PathLock: a per-path exclusive lock that
// is safe both within this process and across other processes sharing the
// same cache directory (e.g. several workers behind one front proxy).
//
// In-process coordination uses a plain mutex per path, reference-counted and
// removed once nothing holds or awaits it. Cross-process coordination is
// layered on top with an
// advisory flock(2)-style lock file, via github.com/gofrs/flock — the
// library this codebase's cache layer already reaches for (see
// internal/mirror and the cache packages built on this one).
package pathlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrTimeout is returned by Acquire when the lock could not be obtained
// within the requested timeout.
var ErrTimeout = fmt.Errorf("pathlock: timed out waiting for lock")

// Locker hands out per-path Handles. Re-entrant Acquire calls from the same
// goroutine are not supported (this is documented as undefined
// behavior), since flock(2) itself does not support recursive locking.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refcount int
	flock    *flock.Flock
}

// New creates a Locker. lockDir, if non-empty, is where cross-process lock
// files are created; otherwise lock files are created alongside the locked
// path itself (path + ".lock").
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Handle represents a held lock; Release must be called exactly once.
type Handle struct {
	locker *Locker
	path   string
	e      *entry
}

// Acquire blocks (cooperatively, via context) until the named path's lock is
// held exclusively, both in-process and across processes. The lock file used
// for cross-process exclusion is lockPath (commonly path+".lock").
func (l *Locker) Acquire(ctx context.Context, path, lockPath string) (*Handle, error) {
	e := l.retain(path)

	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The mutex goroutine may still be waiting; once it succeeds, undo
		// it immediately rather than holding an abandoned lock forever.
		go func() {
			<-acquired
			e.mu.Unlock()
			l.release(path, e)
		}()
		return nil, ctx.Err()
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		e.mu.Unlock()
		l.release(path, e)
		return nil, fmt.Errorf("pathlock: create lock dir: %w", err)
	}
	if e.flock == nil {
		e.flock = flock.New(lockPath)
	}
	locked, err := e.flock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		e.mu.Unlock()
		l.release(path, e)
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = ErrTimeout
		}
		return nil, fmt.Errorf("pathlock: acquire flock %s: %w", lockPath, err)
	}

	return &Handle{locker: l, path: path, e: e}, nil
}

// AcquireTimeout is a convenience wrapper around Acquire using a plain
// timeout instead of a caller-managed context.
func (l *Locker) AcquireTimeout(path, lockPath string, timeout time.Duration) (*Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Acquire(ctx, path, lockPath)
}

// Release unlocks the handle. Safe to call once; always succeeds.
func (h *Handle) Release() {
	if h == nil || h.e == nil {
		return
	}
	_ = h.e.flock.Unlock()
	h.e.mu.Unlock()
	h.locker.release(h.path, h.e)
	h.e = nil
}

func (l *Locker) retain(path string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[path]
	if !ok {
		e = &entry{}
		l.entries[path] = e
	}
	e.refcount++
	return e
}

func (l *Locker) release(path string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refcount--
	if e.refcount <= 0 {
		delete(l.entries, path)
	}
}
