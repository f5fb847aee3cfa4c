package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taichi-dev/git-cdn/internal/cloudmap"
	"github.com/taichi-dev/git-cdn/internal/config"
	"github.com/taichi-dev/git-cdn/internal/gitproxy"
	"github.com/taichi-dev/git-cdn/internal/lfscache"
	"github.com/taichi-dev/git-cdn/internal/logging"
	"github.com/taichi-dev/git-cdn/internal/metrics"
	"github.com/taichi-dev/git-cdn/internal/mirror"
	"github.com/taichi-dev/git-cdn/internal/packcache"
	"github.com/taichi-dev/git-cdn/internal/route53"
	"github.com/taichi-dev/git-cdn/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	metricsRegistry := metrics.New()

	mirrorStore, err := mirror.New(
		filepath.Join(cfg.CacheDir, "git"),
		cfg.SyncStaleAfter,
		cfg.MirrorMaxSize,
		cfg.UploadPackThreads,
		cfg.MaintainAfterSync,
		logger,
	)
	if err != nil {
		logger.Error("mirror init failed", "err", err)
		os.Exit(1)
	}

	packs, err := packcache.New(
		filepath.Join(cfg.CacheDir, "pack_cache"),
		cfg.PackCacheSizeBytes,
		cfg.PackCacheMaxAge,
		logger,
		metricsRegistry,
	)
	if err != nil {
		logger.Error("pack cache init failed", "err", err)
		os.Exit(1)
	}

	lfsStore, err := lfscache.New(
		filepath.Join(cfg.CacheDir, "lfs"),
		cfg.LFSCacheSizeBytes,
		0,
		logger,
		metricsRegistry,
	)
	if err != nil {
		logger.Error("lfs cache init failed", "err", err)
		os.Exit(1)
	}

	upClient := upstream.NewClient(cfg.MaxConnections, cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout, cfg.AllowInsecureHTTP, cfg.UserAgent)
	server := gitproxy.New(cfg, mirrorStore, packs, lfsStore, upClient, logger, metricsRegistry)

	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", server.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	stopSelfRegistration := startSelfRegistration(cfg, logger)
	defer stopSelfRegistration()

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "cache_dir", cfg.CacheDir, "upstream_base", cfg.UpstreamBase)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

// startSelfRegistration wires the optional AWS Cloud Map / Route53
// self-registration steps when the corresponding configuration is present.
// Both are no-ops in the common case (a single fixed front proxy routes to
// a static instance list), so absence of config is not an error.
func startSelfRegistration(cfg *config.Config, logger *slog.Logger) func() {
	ctx := context.Background()

	var cloudMapMgr *cloudmap.Manager
	if cfg.AWSCloudMapServiceID != "" {
		mgr, err := cloudmap.New(ctx, cfg.AWSCloudMapServiceID, logger)
		if err != nil {
			logger.Error("cloud map init failed", "err", err)
		} else if err := mgr.Start(ctx); err != nil {
			logger.Error("cloud map registration failed", "err", err)
		} else {
			cloudMapMgr = mgr
		}
	}

	var route53Mgr *route53.Manager
	if cfg.Route53HostedZoneID != "" && cfg.Route53RecordName != "" {
		mgr, err := route53.New(ctx, cfg.Route53HostedZoneID, cfg.Route53RecordName, logger)
		if err != nil {
			logger.Error("route53 init failed", "err", err)
		} else if err := mgr.Register(ctx); err != nil {
			logger.Error("route53 registration failed", "err", err)
		} else {
			route53Mgr = mgr
		}
	}

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cloudMapMgr != nil {
			cloudMapMgr.Stop(stopCtx)
		}
		if route53Mgr != nil {
			if err := route53Mgr.Deregister(stopCtx); err != nil {
				logger.Error("route53 deregistration failed", "err", err)
			}
		}
	}
}
