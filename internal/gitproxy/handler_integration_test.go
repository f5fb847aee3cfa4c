package gitproxy

import (
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taichi-dev/git-cdn/internal/config"
	"github.com/taichi-dev/git-cdn/internal/lfscache"
	"github.com/taichi-dev/git-cdn/internal/logging"
	"github.com/taichi-dev/git-cdn/internal/metrics"
	"github.com/taichi-dev/git-cdn/internal/mirror"
	"github.com/taichi-dev/git-cdn/internal/packcache"
	"github.com/taichi-dev/git-cdn/internal/upstream"
)

// Integration test: depth=1 fetch twice over the full HTTP handler, the
// second fetch should be served from the pack cache.
func TestPackCacheDepth1Fetch(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}

	root := t.TempDir()
	upstreamRepo := filepath.Join(root, "upstream-src")
	cacheDir := filepath.Join(root, "cache")
	clientDir := filepath.Join(root, "client")

	makeUpstreamRepo(t, upstreamRepo)

	cfg := &config.Config{
		ListenAddr:          ":0",
		UpstreamBase:        "https://localhost",
		AllowedUpstreams:    []string{"localhost"},
		CacheDir:            cacheDir,
		SyncStaleAfter:      2 * time.Second,
		AuthMode:            "none",
		LogLevel:            "debug",
		UploadPackThreads:   2,
		SerializeUploadPack: true,
		PackCacheSizeBytes:  0,
		LFSCacheSizeBytes:   0,
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	m, err := mirror.New(filepath.Join(cacheDir, "git"), cfg.SyncStaleAfter, cfg.MirrorMaxSize, cfg.UploadPackThreads, cfg.MaintainAfterSync, logger)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	metricsRegistry := metrics.NewUnregistered()
	packs, err := packcache.New(filepath.Join(cacheDir, "pack_cache"), cfg.PackCacheSizeBytes, cfg.PackCacheMaxAge, logger, metricsRegistry)
	if err != nil {
		t.Fatalf("packcache: %v", err)
	}
	lfsStore, err := lfscache.New(filepath.Join(cacheDir, "lfs"), cfg.LFSCacheSizeBytes, 0, logger, metricsRegistry)
	if err != nil {
		t.Fatalf("lfscache: %v", err)
	}
	upClient := upstream.NewClient(cfg.MaxConnections, cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout, cfg.AllowInsecureHTTP, cfg.UserAgent)

	srv := New(cfg, m, packs, lfsStore, upClient, logger, metricsRegistry)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Pre-seed the mirror from a local source repo so the test never
	// touches a network upstream; mark it fresh so EnsureRepo treats it as
	// a hit instead of attempting a sync.
	host, owner, repo := "localhost", "org", "repo"
	repoKey := host + "/" + owner + "/" + repo
	mirrorPath := m.RepoPath(host, owner, repo)
	if err := os.MkdirAll(filepath.Dir(mirrorPath), 0o755); err != nil {
		t.Fatalf("mkdir mirror parent: %v", err)
	}
	mustRun(t, "", "git", "clone", "--mirror", upstreamRepo, mirrorPath)
	m.SetLastSync(repoKey, time.Now())

	targetURL := ts.URL + "/" + owner + "/" + repo + ".git"

	doFetch(t, clientDir, targetURL, "dev")
	doFetch(t, clientDir, targetURL, "dev")
}

func makeUpstreamRepo(t *testing.T, path string) {
	t.Helper()
	mustRun(t, "", "git", "init", path)
	mustRun(t, path, "sh", "-c", "echo first > file.txt")
	mustRun(t, path, "git", "add", "file.txt")
	mustRun(t, path, "git", "commit", "-m", "first")
	mustRun(t, path, "sh", "-c", "echo second >> file.txt")
	mustRun(t, path, "git", "add", "file.txt")
	mustRun(t, path, "git", "commit", "-m", "second")
	mustRun(t, path, "git", "branch", "-M", "dev")
}

func doFetch(t *testing.T, clientDir, proxyURL, branch string) {
	t.Helper()
	cloneDir := filepath.Join(clientDir, "clone-"+branch+"-"+time.Now().Format("150405.000000"))
	if err := os.MkdirAll(cloneDir, 0o755); err != nil {
		t.Fatalf("mkdir clone: %v", err)
	}
	mustRun(t, cloneDir, "git", "init")
	mustRun(t, cloneDir, "git", "remote", "add", "origin", proxyURL)

	args := []string{
		"-c", "protocol.version=2",
		"fetch", "--no-tags", "--prune", "--no-recurse-submodules", "--depth=1",
		proxyURL, "+refs/heads/" + branch + ":refs/remotes/origin/" + branch,
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = cloneDir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("fetch failed: %v\n%s", err, string(out))
	}
}

func mustRun(t *testing.T, dir string, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("cmd %s %s failed: %v\n%s", name, strings.Join(args, " "), err, string(out))
	}
}
