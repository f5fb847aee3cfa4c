// Package config loads GitCDN's runtime configuration from flags and
// environment variables, following the flag-with-env-default pattern used
// throughout this codebase.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr   string
	CacheDir     string // WORKING_DIRECTORY: root for git/, pack_cache/, lfs/
	UpstreamBase string // GITSERVER_UPSTREAM

	MaxConnections int

	PackCacheSizeBytes int64
	PackCacheMaxAge    time.Duration
	LFSCacheSizeBytes  int64

	LogLevel string

	AuthMode    string // pass-through | static | none
	StaticToken string

	AllowedUpstreams []string

	MetricsPath string
	HealthPath  string

	SyncStaleAfter      time.Duration
	SerializeUploadPack bool
	UploadPackThreads   int
	MaintainAfterSync   bool
	MirrorMaxSize       SizeSpec

	LockTimeout            time.Duration
	UpstreamConnectTimeout time.Duration
	UpstreamReadTimeout    time.Duration
	SubprocessTimeout      time.Duration

	AWSCloudMapServiceID string
	Route53HostedZoneID  string
	Route53RecordName    string

	AllowInsecureHTTP bool
	UserAgent         string
}

func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("git-cdn", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.CacheDir, "cache-dir", envOrDefault("WORKING_DIRECTORY", "/var/cache/git-cdn"), "cache root directory")
	fs.StringVar(&cfg.UpstreamBase, "upstream-base", envOrDefault("GITSERVER_UPSTREAM", ""), "base URL of the upstream git server")
	fs.IntVar(&cfg.MaxConnections, "max-connections", envOrDefaultInt("MAX_CONNECTIONS", 32), "upstream connection pool size")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug,info,warn,error")
	fs.StringVar(&cfg.AuthMode, "auth-mode", envOrDefault("AUTH_MODE", "pass-through"), "auth mode for upstream sync: pass-through|static|none")
	fs.StringVar(&cfg.StaticToken, "static-token", envOrDefault("STATIC_TOKEN", ""), "static token used when auth-mode=static")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("METRICS_PATH", "/metrics"), "path for Prometheus metrics")
	fs.StringVar(&cfg.HealthPath, "health-path", envOrDefault("HEALTH_PATH", "/healthz"), "path for health checks")
	fs.BoolVar(&cfg.SerializeUploadPack, "serialize-upload-pack", envOrDefaultBool("SERIALIZE_UPLOAD_PACK", false), "serialize upload-pack per repo to reduce concurrent packing CPU")
	fs.IntVar(&cfg.UploadPackThreads, "upload-pack-threads", envOrDefaultInt("UPLOAD_PACK_THREADS", 0), "pack.threads for upload-pack (0 = git default)")
	fs.BoolVar(&cfg.MaintainAfterSync, "maintain-after-sync", envOrDefaultBool("MAINTAIN_AFTER_SYNC", false), "run midx/commit-graph maintenance after mirror sync")
	fs.StringVar(&cfg.AWSCloudMapServiceID, "aws-cloud-map-service-id", envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", ""), "AWS Cloud Map service ID for self-registration")
	fs.StringVar(&cfg.Route53HostedZoneID, "route53-hosted-zone-id", envOrDefault("ROUTE53_HOSTED_ZONE_ID", ""), "Route53 hosted zone ID for DNS self-registration")
	fs.StringVar(&cfg.Route53RecordName, "route53-record-name", envOrDefault("ROUTE53_RECORD_NAME", ""), "Route53 record name to register this instance under")
	fs.BoolVar(&cfg.AllowInsecureHTTP, "allow-insecure-http", envOrDefaultBool("ALLOW_INSECURE_HTTP", false), "allow http:// upstream URLs")
	fs.StringVar(&cfg.UserAgent, "user-agent", envOrDefault("USER_AGENT", "git-cdn/1.0"), "User-Agent sent to upstream")

	allowedUpstreamsStr := fs.String("allowed-upstreams", envOrDefault("ALLOWED_UPSTREAMS", "github.com"), "comma-separated list of allowed upstream hosts")
	syncStaleAfterStr := fs.String("sync-stale-after", envOrDefault("SYNC_STALE_AFTER", "0s"), "refresh mirror if older than this duration (0 = always refresh)")
	mirrorMaxSizeStr := fs.String("mirror-max-size", envOrDefault("MIRROR_MAX_SIZE", ""), "max size for mirrors (e.g. 200GiB, 80%%)")
	packCacheSizeStr := fs.String("pack-cache-size-gb", envOrDefault("PACK_CACHE_SIZE_GB", "20"), "max total size of the pack cache, in GB")
	packCacheMaxAgeStr := fs.String("pack-cache-max-age-days", envOrDefault("PACK_CACHE_MAX_AGE_DAYS", "7"), "max age of a pack cache entry, in days")
	lfsCacheSizeStr := fs.String("lfs-cache-size-gb", envOrDefault("LFS_CACHE_SIZE_GB", "50"), "max total size of the LFS cache, in GB")
	lockTimeoutStr := fs.String("lock-timeout", envOrDefault("LOCK_TIMEOUT", "5m"), "max time to wait for a cache-entry lock")
	upstreamConnectTimeoutStr := fs.String("upstream-connect-timeout", envOrDefault("UPSTREAM_CONNECT_TIMEOUT", "30s"), "upstream TCP connect timeout")
	upstreamReadTimeoutStr := fs.String("upstream-read-timeout", envOrDefault("UPSTREAM_READ_TIMEOUT", "1h"), "upstream response read timeout")
	subprocessTimeoutStr := fs.String("subprocess-timeout", envOrDefault("SUBPROCESS_TIMEOUT", "1h"), "max runtime for a git subprocess")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.SyncStaleAfter, err = time.ParseDuration(*syncStaleAfterStr); err != nil {
		return nil, fmt.Errorf("invalid sync-stale-after: %w", err)
	}
	if cfg.LockTimeout, err = time.ParseDuration(*lockTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid lock-timeout: %w", err)
	}
	if cfg.UpstreamConnectTimeout, err = time.ParseDuration(*upstreamConnectTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid upstream-connect-timeout: %w", err)
	}
	if cfg.UpstreamReadTimeout, err = time.ParseDuration(*upstreamReadTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid upstream-read-timeout: %w", err)
	}
	if cfg.SubprocessTimeout, err = time.ParseDuration(*subprocessTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid subprocess-timeout: %w", err)
	}

	if *mirrorMaxSizeStr != "" {
		if cfg.MirrorMaxSize, err = ParseSizeSpec(*mirrorMaxSizeStr); err != nil {
			return nil, fmt.Errorf("invalid mirror-max-size: %w", err)
		}
	}

	packCacheGB, err := strconv.ParseFloat(*packCacheSizeStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid pack-cache-size-gb: %w", err)
	}
	cfg.PackCacheSizeBytes = int64(packCacheGB * 1_000_000_000)

	lfsCacheGB, err := strconv.ParseFloat(*lfsCacheSizeStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lfs-cache-size-gb: %w", err)
	}
	cfg.LFSCacheSizeBytes = int64(lfsCacheGB * 1_000_000_000)

	maxAgeDays, err := strconv.ParseFloat(*packCacheMaxAgeStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid pack-cache-max-age-days: %w", err)
	}
	cfg.PackCacheMaxAge = time.Duration(maxAgeDays * float64(24*time.Hour))

	for _, h := range strings.Split(*allowedUpstreamsStr, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			cfg.AllowedUpstreams = append(cfg.AllowedUpstreams, h)
		}
	}

	if len(cfg.AllowedUpstreams) == 0 {
		return nil, errors.New("at least one allowed upstream is required")
	}

	if err := validateAuth(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateAuth(cfg *Config) error {
	switch cfg.AuthMode {
	case "pass-through", "none":
		return nil
	case "static":
		if cfg.StaticToken == "" {
			return errors.New("auth-mode=static requires STATIC_TOKEN")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth-mode: %s", cfg.AuthMode)
	}
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}
