package mirror

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/taichi-dev/git-cdn/internal/config"
)

// Cache tracks LRU access order and total on-disk size of the bare mirrors
// under root, and evicts the least-recently-used mirrors once the configured
// size bound is exceeded.
type Cache struct {
	root    string
	maxSize config.SizeSpec
	log     *slog.Logger

	mu         sync.Mutex
	lastAccess map[string]time.Time
	evicting   bool
}

// NewCache creates a Cache rooted at root, bounded by maxSize (resolved
// lazily against available disk space on each eviction pass).
func NewCache(root string, maxSize config.SizeSpec, log *slog.Logger) *Cache {
	return &Cache{
		root:       root,
		maxSize:    maxSize,
		log:        log,
		lastAccess: make(map[string]time.Time),
	}
}

// Touch records key (host/owner/repo) as recently used.
func (c *Cache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAccess[key] = time.Now()
}

// MaybeEvict runs an eviction pass if the cache is over its size bound. Safe
// to call concurrently; only one pass runs at a time.
func (c *Cache) MaybeEvict() {
	c.mu.Lock()
	if c.evicting {
		c.mu.Unlock()
		return
	}
	c.evicting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.evicting = false
		c.mu.Unlock()
	}()

	available := availableBytes(c.root)
	limit := c.maxSize.Resolve(available)
	if limit <= 0 {
		return
	}

	type repoEntry struct {
		key     string
		path    string
		size    int64
		touched time.Time
	}

	var entries []repoEntry
	var total int64

	c.mu.Lock()
	lastAccess := make(map[string]time.Time, len(c.lastAccess))
	for k, v := range c.lastAccess {
		lastAccess[k] = v
	}
	c.mu.Unlock()

	_ = filepath.WalkDir(c.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || !strings.HasSuffix(d.Name(), ".git") {
			return nil
		}
		key, ok := repoKeyFromPath(c.root, p)
		if !ok {
			return filepath.SkipDir
		}
		size := dirSize(p)
		total += size
		touched, ok := lastAccess[key]
		if !ok {
			info, err := d.Info()
			if err == nil {
				touched = info.ModTime()
			}
		}
		entries = append(entries, repoEntry{key: key, path: p, size: size, touched: touched})
		return filepath.SkipDir
	})

	if total <= limit {
		return
	}

	sortByTouched := func(a, b repoEntry) bool { return a.touched.Before(b.touched) }
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && sortByTouched(entries[j], entries[j-1]) {
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}

	for _, e := range entries {
		if total <= limit {
			break
		}
		if err := os.RemoveAll(e.path); err != nil {
			c.log.Warn("mirror eviction failed", "path", e.path, "err", err)
			continue
		}
		total -= e.size
		c.mu.Lock()
		delete(c.lastAccess, e.key)
		c.mu.Unlock()
		c.log.Info("mirror evicted", "repo", e.key, "bytes", e.size)
	}
}

func repoKeyFromPath(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return "", false
	}
	host, owner, repo := parts[0], parts[1], strings.TrimSuffix(parts[2], ".git")
	return host + "/" + owner + "/" + repo, true
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func availableBytes(path string) int64 {
	return diskFree(path)
}
