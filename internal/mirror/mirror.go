// Package mirror implements RepoMirror: it keeps a bare, mirrored clone
// of each upstream repository on disk, coalesces concurrent clone/fetch
// requests for the same repo, and refreshes mirrors that have gone stale.
package mirror

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-set/v3"
	"golang.org/x/sync/singleflight"

	"github.com/taichi-dev/git-cdn/internal/config"
	"github.com/taichi-dev/git-cdn/internal/pathlock"
)

// Status indicates what happened during EnsureRepo.
type Status string

const (
	StatusHit   Status = "mirror-hit"   // served from an existing fresh mirror
	StatusClone Status = "mirror-clone" // had to clone a new mirror
	StatusSync  Status = "mirror-sync"  // had to sync a stale mirror
)

// Mirror manages bare git repository mirrors under a root directory.
type Mirror struct {
	root              string
	staleAfter        time.Duration
	log               *slog.Logger
	cache             *Cache
	locks             *pathlock.Locker
	packThreads       int
	maintainAfterSync bool

	group      singleflight.Group
	maintGroup singleflight.Group
	lastSync   sync.Map // map[repoKey]time.Time
}

// New creates a Mirror manager rooted at root. maxSize bounds the on-disk
// footprint of all mirrors combined (absolute or a percentage of available
// disk.
func New(root string, staleAfter time.Duration, maxSize config.SizeSpec, packThreads int, maintainAfterSync bool, log *slog.Logger) (*Mirror, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror root: %w", err)
	}
	return &Mirror{
		root:              root,
		staleAfter:        staleAfter,
		log:               log,
		cache:             NewCache(root, maxSize, log),
		locks:             pathlock.New(),
		packThreads:       packThreads,
		maintainAfterSync: maintainAfterSync,
	}, nil
}

// RepoPath returns the filesystem path for a repo mirror.
func (m *Mirror) RepoPath(host, owner, repo string) string {
	return filepath.Join(m.root, host, owner, repo+".git")
}

// EnsureRepo ensures the mirror exists and is synced, cloning or fetching as
// needed. authHeader is the Authorization header value from the client
// request, and may be empty for public repos. Returns the bare repo path
// and what had to happen to satisfy the request.
func (m *Mirror) EnsureRepo(ctx context.Context, host, owner, repo, upstreamURL, authHeader string) (string, Status, error) {
	start := time.Now()
	repoPath := m.RepoPath(host, owner, repo)
	key := fmt.Sprintf("%s/%s/%s", host, owner, repo)

	m.log.Debug("ensure repo started", "repo", key)

	// Always go through singleflight for the existence check so a client
	// that observes the directory mid-clone waits for the clone to finish,
	// instead of serving from an incomplete mirror.
	cloneCheckStart := time.Now()
	result, err, shared := m.group.Do("clone:"+key, func() (interface{}, error) {
		if _, err := os.Stat(repoPath); os.IsNotExist(err) {
			if err := m.cloneRepo(ctx, repoPath, upstreamURL, authHeader); err != nil {
				return StatusClone, err
			}
			m.lastSync.Store(key, time.Now())
			m.cache.Touch(key)
			go m.cache.MaybeEvict()
			return StatusClone, nil
		}
		return StatusHit, nil
	})
	m.log.Debug("clone check complete", "repo", key, "duration_ms", time.Since(cloneCheckStart).Milliseconds(), "shared", shared)
	if err != nil {
		return "", "", err
	}
	status := result.(Status)
	if shared {
		m.log.Info("waited for in-flight clone check", "repo", key, "status", status, "wait_duration_ms", time.Since(cloneCheckStart).Milliseconds())
	}
	if status == StatusClone {
		m.log.Debug("ensure repo complete (clone)", "repo", key, "total_duration_ms", time.Since(start).Milliseconds())
		return repoPath, status, nil
	}

	m.cache.Touch(key)

	// Syncing validates auth implicitly via git fetch, avoiding a separate
	// ls-remote round trip when we are about to fetch anyway.
	status = StatusHit
	if m.isStale(key) {
		syncStart := time.Now()
		_, err, shared := m.group.Do("sync:"+key, func() (interface{}, error) {
			return nil, m.syncRepo(ctx, repoPath, upstreamURL, authHeader)
		})
		if shared {
			m.log.Debug("waited for in-flight sync", "repo", key, "wait_duration_ms", time.Since(syncStart).Milliseconds())
		}
		if err != nil {
			m.log.Warn("sync failed, serving stale", "repo", key, "err", err, "duration_ms", time.Since(syncStart).Milliseconds())
			return repoPath, StatusHit, nil
		}

		status = StatusSync
		m.lastSync.Store(key, time.Now())
		m.log.Debug("ensure repo complete (sync)", "repo", key, "sync_duration_ms", time.Since(syncStart).Milliseconds(), "total_duration_ms", time.Since(start).Milliseconds())
		if m.maintainAfterSync {
			m.scheduleOptimize(repoPath, false)
		}
		return repoPath, status, nil
	}
	m.log.Debug("ensure repo complete (hit)", "repo", key, "total_duration_ms", time.Since(start).Milliseconds())

	// Fresh mirror: validate auth against the upstream only for repos known
	// to require it, since a successful sync already proved it valid.
	if m.requiresAuth(repoPath) && status != StatusSync {
		authStart := time.Now()
		if err := m.validateAuth(ctx, upstreamURL, authHeader); err != nil {
			m.log.Warn("auth validation failed", "repo", key, "err", err, "duration_ms", time.Since(authStart).Milliseconds())
			return "", "", fmt.Errorf("authentication required: %w", err)
		}
		m.log.Debug("auth validation passed", "repo", key, "duration_ms", time.Since(authStart).Milliseconds())
	}
	return repoPath, status, nil
}

func (m *Mirror) isStale(key string) bool {
	v, ok := m.lastSync.Load(key)
	if !ok {
		return true
	}
	return time.Since(v.(time.Time)) > m.staleAfter
}

func (m *Mirror) requiresAuth(repoPath string) bool {
	_, err := os.Stat(filepath.Join(repoPath, ".requires-auth"))
	return err == nil
}

func (m *Mirror) markRequiresAuth(repoPath string) error {
	return os.WriteFile(filepath.Join(repoPath, ".requires-auth"), []byte("1"), 0o644)
}

// validateAuth checks that authHeader can access upstreamURL via an
// info/refs probe, falling back to a cache of previously-valid Authorization
// headers if upstream is unreachable.
func (m *Mirror) validateAuth(ctx context.Context, upstreamURL, authHeader string) error {
	start := time.Now()
	parsed, err := url.Parse(upstreamURL)
	if err != nil {
		return fmt.Errorf("parse upstream url: %w", err)
	}
	parsed = parsed.JoinPath("info", "refs")
	q := parsed.Query()
	q.Set("service", "git-upload-pack")
	parsed.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return fmt.Errorf("build auth probe request: %w", err)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		m.log.Warn("auth validation failed due to upstream outage", "duration_ms", time.Since(start).Milliseconds(), "upstream", upstreamURL)
		ok, cacheErr := m.checkAuthCache(authHeader)
		if cacheErr != nil {
			return fmt.Errorf("auth cache not available: %w", cacheErr)
		}
		if !ok {
			return fmt.Errorf("cannot authenticate while upstream is unreachable")
		}
		m.log.Info("authenticated using auth cache")
		return nil
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		m.log.Error("auth validation failed", "duration_ms", time.Since(start).Milliseconds(), "upstream", upstreamURL)
		_ = m.removeAuthCache(authHeader)
		return fmt.Errorf("upstream rejected credentials: status %d", res.StatusCode)
	}
	_ = m.addAuthCache(authHeader)
	m.log.Debug("auth validation complete", "duration_ms", time.Since(start).Milliseconds(), "upstream", upstreamURL)
	return nil
}

func (m *Mirror) addAuthCache(authHeader string) error {
	s, err := m.getAuthCache()
	if err != nil {
		s = set.New[[20]byte](1)
	}
	s.Insert(sha1.Sum([]byte(authHeader)))
	return m.storeAuthCache(s)
}

func (m *Mirror) checkAuthCache(authHeader string) (bool, error) {
	s, err := m.getAuthCache()
	if err != nil {
		return false, err
	}
	return s.Contains(sha1.Sum([]byte(authHeader))), nil
}

func (m *Mirror) removeAuthCache(authHeader string) error {
	s, err := m.getAuthCache()
	if err != nil {
		return err
	}
	s.Remove(sha1.Sum([]byte(authHeader)))
	return m.storeAuthCache(s)
}

func (m *Mirror) storeAuthCache(s *set.Set[[20]byte]) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.root, ".auth-cache.json"), blob, 0o600)
}

func (m *Mirror) getAuthCache() (*set.Set[[20]byte], error) {
	blob, err := os.ReadFile(filepath.Join(m.root, ".auth-cache.json"))
	if err != nil {
		return nil, err
	}
	s := set.New[[20]byte](1)
	if err := s.UnmarshalJSON(blob); err != nil {
		return nil, err
	}
	return s, nil
}

// cloneRepo creates a new bare mirror, holding an exclusive lock on the
// target path so a concurrent request for the same key from a sibling
// process cannot observe a half-cloned directory either.
func (m *Mirror) cloneRepo(ctx context.Context, repoPath, upstreamURL, authHeader string) error {
	start := time.Now()
	m.log.Info("cloning mirror", "path", repoPath, "upstream", upstreamURL, "has_auth", authHeader != "")

	if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	handle, err := m.locks.AcquireTimeout(repoPath, repoPath+".lock", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("acquire clone lock: %w", err)
	}
	defer handle.Release()

	args := []string{
		"-c", "gc.auto=0",
		"-c", "core.compression=0",
		"-c", "pack.window=0",
		"-c", "pack.depth=0",
		"-c", "pack.deltaCacheSize=1",
		"-c", "pack.threads=1",
		"clone", "--bare", "--mirror", upstreamURL, repoPath,
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = gitEnv(authHeader)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w\noutput: %s", err, output)
	}

	if authHeader != "" {
		if err := m.markRequiresAuth(repoPath); err != nil {
			m.log.Warn("failed to mark repo as requiring auth", "path", repoPath, "err", err)
		}
	}

	m.log.Info("clone complete", "path", repoPath, "total_duration_ms", time.Since(start).Milliseconds())
	if m.maintainAfterSync {
		m.scheduleOptimize(repoPath, true)
	}
	return nil
}

// optimizeRepo runs maintenance; if full, repack with a bitmap index,
// otherwise refresh only the commit-graph and multi-pack-index. Intended to
// run in the background so it never blocks the request that triggered it.
func (m *Mirror) optimizeRepo(ctx context.Context, repoPath string, full bool) {
	start := time.Now()
	m.log.Debug("optimizing repo", "path", repoPath, "full", full)

	lockPath := filepath.Join(repoPath, "objects", "info", "commit-graph.lock")
	if _, err := os.Stat(lockPath); err == nil {
		m.log.Debug("commit-graph lock present, skipping maintenance", "path", repoPath)
		return
	}

	if full {
		repackStart := time.Now()
		args := []string{"-C", repoPath, "repack", "-a", "-d", "-b", "--write-bitmap-index"}
		if m.packThreads > 0 {
			args = append([]string{"-c", fmt.Sprintf("pack.threads=%d", m.packThreads)}, args...)
		}
		cmd := exec.CommandContext(ctx, "git", args...)
		if output, err := cmd.CombinedOutput(); err != nil {
			m.log.Warn("git repack failed", "path", repoPath, "err", err, "output", string(output))
		} else {
			m.log.Debug("git repack complete", "path", repoPath, "duration_ms", time.Since(repackStart).Milliseconds())
		}
	}

	graphStart := time.Now()
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "commit-graph", "write", "--reachable")
	if output, err := cmd.CombinedOutput(); err != nil {
		m.log.Warn("git commit-graph write failed", "path", repoPath, "err", err, "output", string(output))
	} else {
		m.log.Debug("git commit-graph complete", "path", repoPath, "duration_ms", time.Since(graphStart).Milliseconds())
	}

	midxStart := time.Now()
	cmd = exec.CommandContext(ctx, "git", "-C", repoPath, "multi-pack-index", "write", "--bitmap")
	if output, err := cmd.CombinedOutput(); err != nil {
		m.log.Warn("git multi-pack-index write failed", "path", repoPath, "err", err, "output", string(output))
	} else {
		m.log.Debug("git multi-pack-index complete", "path", repoPath, "duration_ms", time.Since(midxStart).Milliseconds())
	}

	m.log.Info("repo optimization complete", "path", repoPath, "full", full, "total_duration_ms", time.Since(start).Milliseconds())
}

func (m *Mirror) syncRepo(ctx context.Context, repoPath, upstreamURL, authHeader string) error {
	start := time.Now()
	m.log.Debug("syncing mirror", "path", repoPath, "has_auth", authHeader != "")

	handle, err := m.locks.AcquireTimeout(repoPath, repoPath+".lock", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	defer handle.Release()

	args := []string{
		"-C", repoPath,
		"-c", "gc.auto=0",
		"-c", "core.compression=0",
		"-c", "pack.window=0",
		"-c", "pack.depth=0",
		"-c", "pack.deltaCacheSize=1",
		"-c", "pack.threads=1",
		"fetch", "--all", "--prune", "--force",
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = gitEnv(authHeader)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git fetch failed: %w\noutput: %s", err, output)
	}

	m.log.Debug("sync complete", "path", repoPath, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// MaintainRepo runs maintenance on a given repo key (host/owner/repo).
func (m *Mirror) MaintainRepo(ctx context.Context, repoKey string, full bool) error {
	parts := strings.Split(repoKey, "/")
	if len(parts) < 3 {
		return fmt.Errorf("invalid repo key %q, expected host/owner/repo", repoKey)
	}
	repoPath := m.RepoPath(parts[0], parts[1], parts[2])
	if _, err := os.Stat(repoPath); err != nil {
		return fmt.Errorf("repo not found at %s: %w", repoPath, err)
	}
	m.optimizeRepo(ctx, repoPath, full)
	return nil
}

// MaintainAll scans the mirror root and runs maintenance on every mirror.
func (m *Mirror) MaintainAll(ctx context.Context, full bool) error {
	return filepath.WalkDir(m.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && strings.HasSuffix(d.Name(), ".git") {
			m.optimizeRepo(ctx, p, full)
			return filepath.SkipDir
		}
		return nil
	})
}

func (m *Mirror) Root() string { return m.root }

// scheduleOptimize runs optimizeRepo in the background, coalesced per repo
// path so overlapping clone/sync completions never run maintenance twice.
func (m *Mirror) scheduleOptimize(repoPath string, full bool) {
	go func() {
		_, err, _ := m.maintGroup.Do(repoPath, func() (interface{}, error) {
			m.optimizeRepo(context.Background(), repoPath, full)
			return nil, nil
		})
		if err != nil {
			m.log.Warn("optimize singleflight failed", "path", repoPath, "err", err)
		}
	}()
}

// SetLastSync is a test helper to seed the staleness clock for a repo key.
func (m *Mirror) SetLastSync(repoKey string, t time.Time) {
	m.lastSync.Store(repoKey, t)
}

// gitEnv builds an isolated environment for git subprocesses: no global or
// system config, no terminal prompts, and credential injection via
// GIT_CONFIG_* so the Authorization header never touches the repo's
// persisted config.
func gitEnv(authHeader string) []string {
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
	)
	if authHeader != "" {
		env = append(env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraheader",
			fmt.Sprintf("GIT_CONFIG_VALUE_0=Authorization: %s", authHeader),
		)
	}
	return env
}
