// Package packcache implements PackCache: a content-addressed store of
// pack streams keyed by fetch fingerprint, with single-flight production,
// fanout delivery to concurrent readers, atomic installation, and
// LRU+max-age eviction.
package packcache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/taichi-dev/git-cdn/internal/broadcast"
	"github.com/taichi-dev/git-cdn/internal/evict"
	"github.com/taichi-dev/git-cdn/internal/metrics"
	"github.com/taichi-dev/git-cdn/internal/pathlock"
)

// ProduceFunc generates the pack stream for a cache miss, writing it to w.
type ProduceFunc func(ctx context.Context, w io.Writer) error

// Cache is a single pack cache rooted at a directory.
type Cache struct {
	root     string
	maxBytes int64
	maxAge   time.Duration
	log      *slog.Logger
	locks    *pathlock.Locker
	metrics  *metrics.Metrics

	mu       sync.Mutex
	building map[string]*broadcast.File
}

// New creates a Cache rooted at root (created if missing). maxBytes <= 0
// disables the size bound; maxAge <= 0 disables the age bound. mt may be
// nil in tests that don't care about instrumentation.
func New(root string, maxBytes int64, maxAge time.Duration, log *slog.Logger, mt *metrics.Metrics) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create pack cache root: %w", err)
	}
	return &Cache{
		root:     root,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		log:      log,
		locks:    pathlock.New(),
		metrics:  mt,
		building: make(map[string]*broadcast.File),
	}, nil
}

func (c *Cache) entryPath(fingerprint string) string {
	return filepath.Join(c.root, fingerprint[:2], fingerprint)
}

// Serve delivers the pack bytes for fingerprint to w. On a cache hit, it
// streams the existing entry directly and touches its mtime for LRU
// purposes. On a miss, it becomes (or joins) the single producer for this
// fingerprint: produce is invoked at most once per production window, and
// every concurrent Serve call for the same fingerprint receives the full
// byte stream from offset 0, including callers that joined after production
// had already started.
func (c *Cache) Serve(ctx context.Context, fingerprint string, produce ProduceFunc, w io.Writer) error {
	path := c.entryPath(fingerprint)

	if served, err := c.tryServeReady(path, w); served {
		c.observeCache("hit")
		return err
	}

	c.mu.Lock()
	if bf, ok := c.building[fingerprint]; ok {
		c.mu.Unlock()
		c.observeJoin()
		return bf.Tail(ctx, w)
	}
	c.observeCache("miss")

	tmpPath := path + "." + randomSuffix() + ".tmp"
	bf, err := broadcast.New(tmpPath)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("packcache: create tempfile: %w", err)
	}
	c.building[fingerprint] = bf
	c.mu.Unlock()

	go c.produce(context.WithoutCancel(ctx), fingerprint, path, tmpPath, bf, produce)

	return bf.Tail(ctx, w)
}

func (c *Cache) tryServeReady(path string, w io.Writer) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, nil
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return true, werr
			}
		}
		if rerr != nil {
			break
		}
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return true, nil
}

// produce runs produce() into bf, installs the result atomically on success,
// and always releases the in-flight registration so a later request can
// retry after a failure.
func (c *Cache) produce(ctx context.Context, fingerprint, finalPath, tmpPath string, bf *broadcast.File, fn ProduceFunc) {
	defer func() {
		c.mu.Lock()
		delete(c.building, fingerprint)
		c.mu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		bf.Complete(fmt.Errorf("packcache: create entry dir: %w", err))
		_ = os.Remove(tmpPath)
		return
	}

	handle, err := c.locks.AcquireTimeout(finalPath, finalPath+".lock", 5*time.Minute)
	if err != nil {
		bf.Complete(fmt.Errorf("packcache: acquire entry lock: %w", err))
		_ = os.Remove(tmpPath)
		return
	}
	defer handle.Release()

	if _, statErr := os.Stat(finalPath); statErr == nil {
		// Another process produced this entry while we waited for the lock.
		if copyErr := copyFile(finalPath, bf); copyErr != nil {
			bf.Complete(copyErr)
			_ = os.Remove(tmpPath)
			return
		}
		bf.Complete(nil)
		_ = os.Remove(tmpPath)
		return
	}

	if err := fn(ctx, bf); err != nil {
		bf.Complete(err)
		_ = os.Remove(tmpPath)
		return
	}
	bf.Complete(nil)

	if err := os.Rename(tmpPath, finalPath); err != nil {
		c.log.Warn("packcache: install entry failed", "fingerprint", fingerprint, "err", err)
		return
	}
	now := time.Now()
	_ = os.Chtimes(finalPath, now, now)
	go c.MaybeEvict()
}

func copyFile(src string, bf *broadcast.File) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 256*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := bf.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// MaybeEvict runs a size/age-bounded eviction pass over the cache. Entries
// currently mid-production are protected because their content lives at a
// *.tmp path, which isContentFile excludes.
func (c *Cache) MaybeEvict() {
	res, err := evict.Sweep(c.root, c.maxBytes, c.maxAge, isContentFile, nil)
	if err != nil {
		c.log.Warn("packcache: eviction sweep failed", "err", err)
		return
	}
	if res.RemovedEntries > 0 {
		c.log.Info("packcache: evicted entries", "count", res.RemovedEntries, "bytes", res.RemovedBytes, "remaining_bytes", res.RemainingBytes)
		if c.metrics != nil {
			c.metrics.EvictedEntries.WithLabelValues("pack").Add(float64(res.RemovedEntries))
			c.metrics.EvictedBytes.WithLabelValues("pack").Add(float64(res.RemovedBytes))
		}
	}
}

func (c *Cache) observeCache(result string) {
	if c.metrics == nil {
		return
	}
	if result == "hit" {
		c.metrics.CacheHits.WithLabelValues("", "pack").Inc()
	} else {
		c.metrics.CacheMisses.WithLabelValues("", "pack").Inc()
	}
}

func (c *Cache) observeJoin() {
	if c.metrics != nil {
		c.metrics.SingleflightJoins.WithLabelValues("", "pack").Inc()
	}
}

func isContentFile(path string) bool {
	name := filepath.Base(path)
	if len(name) != 64 {
		return false
	}
	for _, r := range name {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
