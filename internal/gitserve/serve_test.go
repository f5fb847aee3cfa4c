package gitserve_test

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/taichi-dev/git-cdn/internal/gitserve"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
}

func newBareFixture(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	run(t, src, "init", "-q")
	run(t, src, "config", "user.email", "test@example.com")
	run(t, src, "config", "user.name", "test")
	run(t, src, "commit", "--allow-empty", "-q", "-m", "initial")

	bare := t.TempDir() + "/repo.git"
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

func TestAdvertiseRefs(t *testing.T) {
	requireGit(t)
	repo := newBareFixture(t)

	var buf bytes.Buffer
	if err := gitserve.AdvertiseRefs(context.Background(), repo, "", &buf); err != nil {
		t.Fatalf("AdvertiseRefs: %v", err)
	}
	if !strings.Contains(buf.String(), "# service=git-upload-pack") {
		t.Fatalf("expected service announcement, got %q", buf.String())
	}
}

func TestAdvertiseRefsForwardsGitProtocol(t *testing.T) {
	requireGit(t)
	repo := newBareFixture(t)

	var buf bytes.Buffer
	if err := gitserve.AdvertiseRefs(context.Background(), repo, "version=2", &buf); err != nil {
		t.Fatalf("AdvertiseRefs: %v", err)
	}
	if !strings.Contains(buf.String(), "version 2") {
		t.Fatalf("expected v2 advertisement with GIT_PROTOCOL forwarded, got %q", buf.String())
	}
}

func TestRunUploadPackEmptyWants(t *testing.T) {
	requireGit(t)
	repo := newBareFixture(t)

	body := []byte("0000")
	var buf bytes.Buffer
	if err := gitserve.RunUploadPack(context.Background(), repo, body, &buf, 0, ""); err != nil {
		t.Fatalf("RunUploadPack: %v", err)
	}
}
