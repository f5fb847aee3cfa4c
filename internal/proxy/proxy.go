// Package proxy implements ProxyPassthrough: forwarding any request
// this system does not intercept straight to the upstream Git host,
// preserving headers, trailers and status codes, and issuing the initial
// Basic-auth challenge for unauthenticated probes.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"

	"github.com/taichi-dev/git-cdn/internal/metrics"
)

type targetContextKey struct{}

// WithTarget attaches the fully-resolved upstream URL a request should be
// forwarded to. The Director reads it back; callers that want the
// passthrough behavior must set this before calling ServeHTTP.
func WithTarget(r *http.Request, target string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), targetContextKey{}, target))
}

func targetFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(targetContextKey{}).(string)
	return v, ok
}

// Proxy forwards requests to the upstream URL attached via WithTarget.
type Proxy struct {
	rp *httputil.ReverseProxy
}

// New builds a Proxy sharing transport with the rest of the system (so
// passthrough and mirror sync share one connection-pool budget).
func New(transport http.RoundTripper, log *slog.Logger, m *metrics.Metrics) *Proxy {
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			target, ok := targetFromContext(req.Context())
			if !ok {
				return
			}
			u, err := parseTarget(target)
			if err != nil {
				log.Error("proxy: invalid target", "target", target, "err", err)
				return
			}
			req.URL = u
			req.Host = u.Host
			if fwd := req.Header.Get("X-Forwarded-For"); fwd == "" {
				if host, _, err := splitHostPort(req.RemoteAddr); err == nil {
					req.Header.Set("X-Forwarded-For", host)
				}
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error("proxy: upstream request failed", "err", err, "path", r.URL.Path)
			m.ErrorsTotal.WithLabelValues(r.URL.Path, "passthrough").Inc()
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return &Proxy{rp: rp}
}

// ServeHTTP forwards r (which must already carry a target via WithTarget)
// to upstream, streaming the response back verbatim.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// ChallengeBasicAuth writes a 401 response with a WWW-Authenticate header,
// used on the first unauthenticated info/refs probe so Git clients prompt
// the user for credentials instead of silently cloning as anonymous.
func ChallengeBasicAuth(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}
