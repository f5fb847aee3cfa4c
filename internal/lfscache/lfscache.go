// Package lfscache implements LFSCache: rewriting Git LFS batch
// responses so object downloads route back through this proxy, and a
// download-once, checksum-verified object blob cache with the same
// single-flight/fanout design as the pack cache.
package lfscache

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
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

// ChecksumError marks a downloaded object whose SHA-256 or size did not
// match what the batch response promised. It surfaces as an HTTP 502 and
// never installs into the cache.
type ChecksumError struct {
	OID        string
	WantSize   int64
	GotSize    int64
	WantSHA256 string
	GotSHA256  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("lfs object %s: checksum/size mismatch (want size=%d sha256=%s, got size=%d sha256=%s)",
		e.OID, e.WantSize, e.WantSHA256, e.GotSize, e.GotSHA256)
}

// DownloadFunc streams the raw object bytes for an upstream download into w.
type DownloadFunc func(ctx context.Context, w io.Writer) error

// Cache is a single LFS object cache rooted at a directory.
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

// New creates a Cache rooted at root (created if missing). mt may be nil in
// tests that don't care about instrumentation.
func New(root string, maxBytes int64, maxAge time.Duration, log *slog.Logger, mt *metrics.Metrics) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create lfs cache root: %w", err)
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

func (c *Cache) entryPath(oid string) string {
	return filepath.Join(c.root, oid[:2], oid)
}

// Get delivers the object bytes for oid to w. On a miss it downloads via
// download, verifying the SHA-256 and size against oid/size before
// installing the object; on mismatch it returns a *ChecksumError and the
// cache is left empty for this oid. Concurrent Get calls for the same oid
// observe the same fanout semantics as packcache.Cache.Serve.
func (c *Cache) Get(ctx context.Context, oid string, size int64, download DownloadFunc, w io.Writer) error {
	path := c.entryPath(oid)

	if served, err := c.tryServeReady(path, w); served {
		c.observeCache("hit")
		return err
	}

	c.mu.Lock()
	if bf, ok := c.building[oid]; ok {
		c.mu.Unlock()
		c.observeJoin()
		return bf.Tail(ctx, w)
	}
	c.observeCache("miss")

	tmpPath := path + "." + randomSuffix() + ".tmp"
	bf, err := broadcast.New(tmpPath)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("lfscache: create tempfile: %w", err)
	}
	c.building[oid] = bf
	c.mu.Unlock()

	go c.produce(context.WithoutCancel(ctx), oid, path, tmpPath, size, bf, download)

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

func (c *Cache) produce(ctx context.Context, oid, finalPath, tmpPath string, size int64, bf *broadcast.File, download DownloadFunc) {
	defer func() {
		c.mu.Lock()
		delete(c.building, oid)
		c.mu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		bf.Complete(fmt.Errorf("lfscache: create entry dir: %w", err))
		_ = os.Remove(tmpPath)
		return
	}

	handle, err := c.locks.AcquireTimeout(finalPath, finalPath+".lock", 5*time.Minute)
	if err != nil {
		bf.Complete(fmt.Errorf("lfscache: acquire entry lock: %w", err))
		_ = os.Remove(tmpPath)
		return
	}
	defer handle.Release()

	if info, statErr := os.Stat(finalPath); statErr == nil && info.Size() == size {
		if copyErr := copyFile(finalPath, bf); copyErr != nil {
			bf.Complete(copyErr)
			_ = os.Remove(tmpPath)
			return
		}
		bf.Complete(nil)
		_ = os.Remove(tmpPath)
		return
	}

	hasher := sha256.New()
	tee := io.MultiWriter(bf, hasher)
	if err := download(ctx, tee); err != nil {
		bf.Complete(err)
		_ = os.Remove(tmpPath)
		return
	}

	gotSize := bf.Written()
	gotSHA := hex.EncodeToString(hasher.Sum(nil))
	if gotSize != size || gotSHA != oid {
		checksumErr := &ChecksumError{OID: oid, WantSize: size, GotSize: gotSize, WantSHA256: oid, GotSHA256: gotSHA}
		bf.Complete(checksumErr)
		_ = os.Remove(tmpPath)
		return
	}
	bf.Complete(nil)

	if err := os.Rename(tmpPath, finalPath); err != nil {
		c.log.Warn("lfscache: install object failed", "oid", oid, "err", err)
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

// MaybeEvict runs a size/age-bounded eviction pass over the object cache.
func (c *Cache) MaybeEvict() {
	res, err := evict.Sweep(c.root, c.maxBytes, c.maxAge, isContentFile, nil)
	if err != nil {
		c.log.Warn("lfscache: eviction sweep failed", "err", err)
		return
	}
	if res.RemovedEntries > 0 {
		c.log.Info("lfscache: evicted objects", "count", res.RemovedEntries, "bytes", res.RemovedBytes, "remaining_bytes", res.RemainingBytes)
		if c.metrics != nil {
			c.metrics.EvictedEntries.WithLabelValues("lfs").Add(float64(res.RemovedEntries))
			c.metrics.EvictedBytes.WithLabelValues("lfs").Add(float64(res.RemovedBytes))
		}
	}
}

func (c *Cache) observeCache(result string) {
	if c.metrics == nil {
		return
	}
	if result == "hit" {
		c.metrics.CacheHits.WithLabelValues("", "lfs").Inc()
	} else {
		c.metrics.CacheMisses.WithLabelValues("", "lfs").Inc()
	}
}

func (c *Cache) observeJoin() {
	if c.metrics != nil {
		c.metrics.SingleflightJoins.WithLabelValues("", "lfs").Inc()
	}
}

func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
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
