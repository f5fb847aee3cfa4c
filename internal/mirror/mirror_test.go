package mirror_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/taichi-dev/git-cdn/internal/config"
	"github.com/taichi-dev/git-cdn/internal/logging"
	"github.com/taichi-dev/git-cdn/internal/mirror"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
}

// newUpstreamFixture creates a tiny local bare repo to act as "upstream"
// without touching the network.
func newUpstreamFixture(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	run(t, src, "init", "-q")
	run(t, src, "config", "user.email", "test@example.com")
	run(t, src, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(src, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, src, "add", "README.md")
	run(t, src, "commit", "-q", "-m", "initial")

	bare := t.TempDir() + "/upstream.git"
	run(t, "", "clone", "-q", "--bare", src, bare)
	return bare
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func newTestMirror(t *testing.T) *mirror.Mirror {
	t.Helper()
	log, err := logging.New("error")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	m, err := mirror.New(t.TempDir(), time.Hour, config.SizeSpec{}, 0, false, log)
	if err != nil {
		t.Fatalf("mirror.New: %v", err)
	}
	return m
}

func TestEnsureRepoClonesOnFirstAccess(t *testing.T) {
	requireGit(t)
	upstream := newUpstreamFixture(t)
	m := newTestMirror(t)

	path, status, err := m.EnsureRepo(context.Background(), "local", "owner", "repo", upstream, "")
	if err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if status != mirror.StatusClone {
		t.Fatalf("expected clone status, got %s", status)
	}
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err != nil {
		t.Fatalf("expected bare repo at %s: %v", path, err)
	}
}

func TestEnsureRepoHitsCacheWhenFresh(t *testing.T) {
	requireGit(t)
	upstream := newUpstreamFixture(t)
	m := newTestMirror(t)

	if _, _, err := m.EnsureRepo(context.Background(), "local", "owner", "repo", upstream, ""); err != nil {
		t.Fatalf("first EnsureRepo: %v", err)
	}
	_, status, err := m.EnsureRepo(context.Background(), "local", "owner", "repo", upstream, "")
	if err != nil {
		t.Fatalf("second EnsureRepo: %v", err)
	}
	if status != mirror.StatusHit {
		t.Fatalf("expected hit status on fresh mirror, got %s", status)
	}
}

func TestEnsureRepoSyncsWhenStale(t *testing.T) {
	requireGit(t)
	upstream := newUpstreamFixture(t)
	m := newTestMirror(t)

	if _, _, err := m.EnsureRepo(context.Background(), "local", "owner", "repo", upstream, ""); err != nil {
		t.Fatalf("first EnsureRepo: %v", err)
	}
	m.SetLastSync("local/owner/repo", time.Now().Add(-time.Hour))

	_, status, err := m.EnsureRepo(context.Background(), "local", "owner", "repo", upstream, "")
	if err != nil {
		t.Fatalf("second EnsureRepo: %v", err)
	}
	if status != mirror.StatusSync {
		t.Fatalf("expected sync status on stale mirror, got %s", status)
	}
}

func TestRepoPathLayout(t *testing.T) {
	m := newTestMirror(t)
	got := m.RepoPath("github.com", "acme", "widgets")
	want := filepath.Join(m.Root(), "github.com", "acme", "widgets.git")
	if got != want {
		t.Fatalf("RepoPath = %q, want %q", got, want)
	}
}
