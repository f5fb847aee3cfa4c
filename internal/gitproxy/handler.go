// Package gitproxy orchestrates one HTTP request through the right
// subsystem: classify the body, refresh the mirror, serve from the
// pack cache or LFS cache, or fall through to verbatim passthrough.
package gitproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/taichi-dev/git-cdn/internal/config"
	"github.com/taichi-dev/git-cdn/internal/gitserve"
	"github.com/taichi-dev/git-cdn/internal/lfscache"
	"github.com/taichi-dev/git-cdn/internal/metrics"
	"github.com/taichi-dev/git-cdn/internal/mirror"
	"github.com/taichi-dev/git-cdn/internal/packcache"
	"github.com/taichi-dev/git-cdn/internal/proxy"
	"github.com/taichi-dev/git-cdn/internal/uploadpack"
	"github.com/taichi-dev/git-cdn/internal/upstream"
)

// Kind labels a classified request for metrics and logging.
type Kind string

const (
	KindInfoRefs    Kind = "info-refs"
	KindFetch       Kind = "fetch"
	KindLsRefs      Kind = "ls-refs"
	KindReceivePack Kind = "receive-pack"
	KindLFSBatch    Kind = "lfs-batch"
	KindLFSObject   Kind = "lfs-object"
	KindPassthrough Kind = "passthrough"
)

// Server is the top-level HTTP handler wiring the mirror, pack cache, LFS
// cache, and passthrough proxy together.
type Server struct {
	cfg      *config.Config
	mirror   *mirror.Mirror
	packs    *packcache.Cache
	lfs      *lfscache.Cache
	upstream *upstream.Client
	proxy    *proxy.Proxy
	log      *slog.Logger
	metrics  *metrics.Metrics

	sources *lfscache.SourceRegistry

	// challenged remembers which repos have already been sent the initial
	// 401 Basic-auth challenge, so repeated probes proxy straight through.
	challenged sync.Map // map[repoKey]bool

	repoLocks sync.Map // map[repoKey]*sync.Mutex, used when SerializeUploadPack is set
}

// New builds a Server. packs and lfs may be nil in configurations that
// disable those subsystems (tests construct them directly).
func New(cfg *config.Config, m *mirror.Mirror, packs *packcache.Cache, lfs *lfscache.Cache, uc *upstream.Client, log *slog.Logger, mt *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		mirror:   m,
		packs:    packs,
		lfs:      lfs,
		upstream: uc,
		proxy:    proxy.New(uc.Transport, log, mt),
		log:      log,
		metrics:  mt,
		sources:  lfscache.NewSourceRegistry(),
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target, err := s.resolveTarget(r)
	if err != nil {
		s.log.Debug("resolve target failed", "err", err, "path", r.URL.Path)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.metrics.RequestsTotal.WithLabelValues(target.repoKey, string(target.kind)).Inc()
	s.log.Debug("request", "repo", target.repoKey, "kind", target.kind, "path", r.URL.Path)

	switch target.kind {
	case KindInfoRefs:
		s.handleInfoRefs(w, r, target, start)
	case KindFetch, KindLsRefs:
		s.handleUploadPack(w, r, target, start)
	case KindReceivePack:
		s.handlePassthrough(w, r, target)
	case KindLFSBatch:
		s.handleLFSBatch(w, r, target, start)
	case KindLFSObject:
		s.handleLFSObject(w, r, target, start)
	default:
		s.handlePassthrough(w, r, target)
	}
}

// target is the parsed, routed request: which upstream repo, what kind of
// operation, and the upstream URL passthrough would hit.
type target struct {
	host, owner, repo string
	repoKey           string
	kind              Kind
	upstreamURL       string
}

func (s *Server) resolveTarget(r *http.Request) (target, error) {
	clean := strings.TrimPrefix(r.URL.Path, "/")
	if clean == "" {
		return target{}, errors.New("empty path")
	}

	u, err := url.Parse("https://placeholder/" + clean)
	if err != nil {
		return target{}, fmt.Errorf("invalid path: %w", err)
	}

	var kind Kind
	repoPath := u.Path
	switch {
	case strings.HasSuffix(repoPath, "/info/refs"):
		repoPath = strings.TrimSuffix(repoPath, "/info/refs")
		switch r.URL.Query().Get("service") {
		case "git-upload-pack":
			kind = KindInfoRefs
		case "git-receive-pack":
			kind = KindReceivePack
		default:
			return target{}, errors.New("unsupported or missing service parameter")
		}
	case strings.HasSuffix(repoPath, "/git-upload-pack"):
		repoPath = strings.TrimSuffix(repoPath, "/git-upload-pack")
		kind = KindLsRefs // refined to KindFetch once the body is classified
	case strings.HasSuffix(repoPath, "/git-receive-pack"):
		repoPath = strings.TrimSuffix(repoPath, "/git-receive-pack")
		kind = KindReceivePack
	case strings.HasSuffix(repoPath, "/info/lfs/objects/batch"):
		repoPath = strings.TrimSuffix(repoPath, "/info/lfs/objects/batch")
		kind = KindLFSBatch
	case strings.Contains(repoPath, "/gitlab-lfs/objects/"):
		idx := strings.Index(repoPath, "/gitlab-lfs/objects/")
		repoPath = repoPath[:idx]
		kind = KindLFSObject
	default:
		kind = KindPassthrough
	}

	repoPath = strings.TrimPrefix(repoPath, "/")
	repoPath = strings.TrimSuffix(repoPath, ".git")
	if repoPath == "" {
		return target{}, errors.New("missing repository path")
	}

	host, owner, repo, err := s.splitUpstream(repoPath)
	if err != nil {
		return target{}, err
	}

	return target{
		host:        host,
		owner:       owner,
		repo:        repo,
		repoKey:     repoPath,
		kind:        kind,
		upstreamURL: strings.TrimRight(s.cfg.UpstreamBase, "/") + "/" + repoPath + ".git",
	}, nil
}

// splitUpstream maps a repo path (e.g. "group/sub/project") onto the
// host/owner/repo triple the mirror layer addresses a local clone by. The
// upstream host comes from the configured, single upstream base, validated
// against the allow-list the same way a multi-tenant deployment would.
func (s *Server) splitUpstream(repoPath string) (host, owner, repo string, err error) {
	base, err := url.Parse(s.cfg.UpstreamBase)
	if err != nil || base.Host == "" {
		return "", "", "", fmt.Errorf("invalid configured upstream base: %w", err)
	}
	host = base.Host

	allowed := false
	for _, h := range s.cfg.AllowedUpstreams {
		if h == host {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", "", "", fmt.Errorf("upstream %q not in allowed list", host)
	}

	parts := strings.SplitN(repoPath, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid repo path: %q", repoPath)
	}
	owner = parts[0]
	repo = path.Clean(parts[1])
	return host, owner, repo, nil
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request, t target, start time.Time) {
	if r.Header.Get("Authorization") == "" {
		if _, already := s.challenged.LoadOrStore(t.repoKey, true); !already {
			proxy.ChallengeBasicAuth(w, "GitCDN")
			return
		}
	}

	authHeader := s.mirrorAuthHeader(r)
	repoPath, status, err := s.mirror.EnsureRepo(r.Context(), t.host, t.owner, t.repo, t.upstreamURL, authHeader)
	if err != nil {
		s.fail(w, t, err)
		return
	}
	s.log.Info("info/refs", "repo", t.repoKey, "status", status)

	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := gitserve.AdvertiseRefs(r.Context(), repoPath, r.Header.Get("Git-Protocol"), w); err != nil {
		s.log.Error("advertise refs failed", "repo", t.repoKey, "err", err)
		return
	}
	s.metrics.ResponsesTotal.WithLabelValues(t.repoKey, string(KindInfoRefs), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(t.repoKey, string(KindInfoRefs)).Observe(time.Since(start).Seconds())
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request, t target, start time.Time) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		s.fail(w, t, fmt.Errorf("read request body: %w", err))
		return
	}

	cmd, err := uploadpack.Classify(body)
	if err != nil {
		s.fail(w, t, err)
		return
	}

	authHeader := s.mirrorAuthHeader(r)
	repoPath, _, err := s.mirror.EnsureRepo(r.Context(), t.host, t.owner, t.repo, t.upstreamURL, authHeader)
	if err != nil {
		s.fail(w, t, err)
		return
	}

	if s.cfg.SerializeUploadPack {
		lock := s.repoLock(t.repoKey)
		lock.Lock()
		defer lock.Unlock()
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")

	gitProtocol := r.Header.Get("Git-Protocol")

	if cmd.Kind != uploadpack.KindFetch || s.packs == nil {
		w.WriteHeader(http.StatusOK)
		if err := s.runUploadPack(r.Context(), repoPath, body, w, gitProtocol); err != nil && !isClientCanceled(err) {
			s.log.Error("upload-pack failed", "repo", t.repoKey, "kind", cmd.Kind, "err", err)
		}
		s.finishUploadPack(t, KindLsRefs, start)
		return
	}

	fingerprint := cmd.FingerprintHex()
	produce := func(ctx context.Context, dst io.Writer) error {
		return s.runUploadPack(ctx, repoPath, body, dst, gitProtocol)
	}

	w.WriteHeader(http.StatusOK)
	if err := s.packs.Serve(r.Context(), fingerprint, produce, w); err != nil && !isClientCanceled(err) {
		s.log.Error("pack cache serve failed", "repo", t.repoKey, "fingerprint", fingerprint, "err", err)
	}
	s.finishUploadPack(t, KindFetch, start)
}

func (s *Server) runUploadPack(ctx context.Context, repoPath string, body []byte, w io.Writer, gitProtocol string) error {
	threads := s.cfg.UploadPackThreads
	if err := gitserve.RunUploadPack(ctx, repoPath, body, w, threads, gitProtocol); err != nil {
		return &SubprocessError{Err: err}
	}
	return nil
}

func (s *Server) finishUploadPack(t target, kind Kind, start time.Time) {
	s.metrics.ResponsesTotal.WithLabelValues(t.repoKey, string(kind), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(t.repoKey, string(kind)).Observe(time.Since(start).Seconds())
}

func (s *Server) handleLFSBatch(w http.ResponseWriter, r *http.Request, t target, start time.Time) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		s.fail(w, t, fmt.Errorf("read batch request: %w", err))
		return
	}

	upstreamURL := strings.TrimRight(s.cfg.UpstreamBase, "/") + "/" + t.repoKey + "/info/lfs/objects/batch"
	resp, err := s.upstream.Do(r.Context(), http.MethodPost, upstreamURL, bytes.NewReader(body), r.Header.Clone())
	if err != nil {
		s.fail(w, t, &UpstreamError{Err: err})
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.fail(w, t, fmt.Errorf("read batch response: %w", err))
		return
	}
	if resp.StatusCode >= 400 {
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		return
	}

	baseURL := externalBaseURL(r)
	rewritten, err := lfscache.RewriteBatch(respBody, t.repoKey, baseURL, s.sources)
	if err != nil {
		s.fail(w, t, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rewritten)
	s.metrics.ResponsesTotal.WithLabelValues(t.repoKey, string(KindLFSBatch), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(t.repoKey, string(KindLFSBatch)).Observe(time.Since(start).Seconds())
}

func (s *Server) handleLFSObject(w http.ResponseWriter, r *http.Request, t target, start time.Time) {
	oid := path.Base(r.URL.Path)
	src, ok := s.sources.Lookup(t.repoKey, oid)
	if !ok {
		http.Error(w, "unknown or expired lfs object", http.StatusNotFound)
		return
	}

	download := func(ctx context.Context, dst io.Writer) error {
		headers := make(http.Header, len(src.Header))
		for k, v := range src.Header {
			headers.Set(k, v)
		}
		resp, err := s.upstream.Do(ctx, http.MethodGet, src.Href, nil, headers)
		if err != nil {
			return &UpstreamError{Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("upstream lfs object fetch: %s", resp.Status)}
		}
		_, err = io.Copy(dst, resp.Body)
		return err
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.lfs.Get(r.Context(), oid, src.Size, download, w); err != nil {
		if !isClientCanceled(err) {
			s.log.Error("lfs object serve failed", "repo", t.repoKey, "oid", oid, "err", err)
		}
		return
	}
	s.metrics.ResponsesTotal.WithLabelValues(t.repoKey, string(KindLFSObject), "200").Inc()
	s.metrics.UpstreamLatency.WithLabelValues(t.repoKey, string(KindLFSObject)).Observe(time.Since(start).Seconds())
}

func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request, t target) {
	upstreamURL := strings.TrimRight(s.cfg.UpstreamBase, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}
	s.proxy.ServeHTTP(w, proxy.WithTarget(r, upstreamURL))
}

// mirrorAuthHeader derives the Authorization header used to sync the
// mirror, per AUTH_MODE.
func (s *Server) mirrorAuthHeader(r *http.Request) string {
	switch s.cfg.AuthMode {
	case "static":
		if s.cfg.StaticToken == "" {
			return ""
		}
		return "Bearer " + s.cfg.StaticToken
	case "none":
		return ""
	default: // pass-through
		return r.Header.Get("Authorization")
	}
}

func (s *Server) repoLock(repoKey string) *sync.Mutex {
	v, _ := s.repoLocks.LoadOrStore(repoKey, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Server) fail(w http.ResponseWriter, t target, err error) {
	if isClientCanceled(err) {
		s.log.Debug("client canceled", "repo", t.repoKey, "kind", t.kind)
		return
	}
	status := statusFor(err)
	if status == 0 {
		return
	}
	s.metrics.ErrorsTotal.WithLabelValues(t.repoKey, string(t.kind)).Inc()
	s.log.Error("request failed", "repo", t.repoKey, "kind", t.kind, "err", err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	http.Error(w, err.Error(), status)
}

// externalBaseURL derives this proxy's own externally-visible base URL from
// the incoming request, honoring a front proxy's Forwarded/X-Forwarded-*
// headers when present.
func externalBaseURL(r *http.Request) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host
}
