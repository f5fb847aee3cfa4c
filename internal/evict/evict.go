// Package evict implements the size- and age-bounded LRU eviction sweep
// shared by the pack cache and the LFS cache. It never removes an entry
// currently locked for production or
// reported as in-use by the caller; such entries are skipped and retried on
// the next sweep.
package evict

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// InUseChecker reports whether a cache content file is currently being
// produced or read, and therefore must not be unlinked this sweep.
type InUseChecker func(path string) bool

// Result summarizes one sweep, for logging/metrics.
type Result struct {
	RemovedEntries int
	RemovedBytes   int64
	RemainingBytes int64
}

type candidate struct {
	path    string
	modTime time.Time
	size    int64
}

// Sweep walks root for content files matching isContentFile, and removes the
// oldest-by-mtime ones until total size is within maxBytes and no entry
// exceeds maxAge (0 = no age bound). Lock files and tempfiles are left alone;
// callers are expected to sweep stale .tmp files separately at startup.
func Sweep(root string, maxBytes int64, maxAge time.Duration, isContentFile func(string) bool, inUse InUseChecker) (Result, error) {
	var (
		candidates []candidate
		total      int64
	)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isContentFile(path) {
			return nil
		}
		candidates = append(candidates, candidate{path: path, modTime: info.ModTime(), size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.RemainingBytes = total

	now := time.Now()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })

	for _, c := range candidates {
		tooOld := maxAge > 0 && now.Sub(c.modTime) > maxAge
		tooBig := maxBytes > 0 && res.RemainingBytes > maxBytes
		if !tooOld && !tooBig {
			continue
		}
		if inUse != nil && inUse(c.path) {
			continue
		}
		if err := os.Remove(c.path); err != nil {
			if os.IsNotExist(err) {
				res.RemainingBytes -= c.size
				continue
			}
			continue
		}
		res.RemovedEntries++
		res.RemovedBytes += c.size
		res.RemainingBytes -= c.size
	}

	return res, nil
}
