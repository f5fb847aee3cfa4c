package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr default mismatch: %s", cfg.ListenAddr)
	}
	if cfg.CacheDir == "" {
		t.Fatalf("cache dir default empty")
	}
	if cfg.PackCacheSizeBytes <= 0 {
		t.Fatalf("pack cache size default invalid: %d", cfg.PackCacheSizeBytes)
	}
	if cfg.LFSCacheSizeBytes <= 0 {
		t.Fatalf("lfs cache size default invalid: %d", cfg.LFSCacheSizeBytes)
	}
}

func TestStaticAuthRequiresToken(t *testing.T) {
	clearEnv(t)
	_, err := LoadArgs([]string{"-auth-mode=static"})
	if err == nil {
		t.Fatalf("expected error when static token missing")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PACK_CACHE_SIZE_GB", "1")
	t.Setenv("PACK_CACHE_MAX_AGE_DAYS", "0.25")
	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PackCacheSizeBytes != 1_000_000_000 {
		t.Fatalf("expected pack cache size override, got %d", cfg.PackCacheSizeBytes)
	}
	if cfg.PackCacheMaxAge != 6*time.Hour {
		t.Fatalf("unexpected pack cache max age: %s", cfg.PackCacheMaxAge)
	}
}

func TestAllowedUpstreamsRequired(t *testing.T) {
	clearEnv(t)
	_, err := LoadArgs([]string{"-allowed-upstreams="})
	if err == nil {
		t.Fatalf("expected error when no allowed upstreams configured")
	}
}

func TestSizeSpecParsing(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadArgs([]string{"-mirror-max-size=80%"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MirrorMaxSize.Percent != 80 {
		t.Fatalf("expected 80%% mirror max size, got %+v", cfg.MirrorMaxSize)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LISTEN_ADDR", "WORKING_DIRECTORY", "GITSERVER_UPSTREAM", "LOG_LEVEL",
		"AUTH_MODE", "STATIC_TOKEN", "PACK_CACHE_SIZE_GB", "PACK_CACHE_MAX_AGE_DAYS",
		"LFS_CACHE_SIZE_GB", "MAX_CONNECTIONS", "ALLOWED_UPSTREAMS", "SYNC_STALE_AFTER",
		"MIRROR_MAX_SIZE",
	} {
		_ = os.Unsetenv(k)
	}
}
