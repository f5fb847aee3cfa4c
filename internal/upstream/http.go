// Package upstream provides the shared HTTP client used to reach the
// upstream Git server, both for mirror sync/LFS fetches and as the
// transport backing the passthrough reverse proxy.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

type Client struct {
	httpClient *http.Client
	Transport  http.RoundTripper
	allowHTTP  bool
	userAgent  string
}

// NewClient builds a Client with a connection pool sized by maxConnections
// and the given connect/read timeouts.
func NewClient(maxConnections int, connectTimeout, readTimeout time.Duration, allowInsecureHTTP bool, userAgent string) *Client {
	if maxConnections <= 0 {
		maxConnections = 32
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        maxConnections,
		MaxIdleConnsPerHost: maxConnections,
		MaxConnsPerHost:     maxConnections,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   readTimeout,
		},
		Transport: transport,
		allowHTTP: allowInsecureHTTP,
		userAgent: userAgent,
	}
}

func (c *Client) Do(ctx context.Context, method, url string, body io.Reader, headers http.Header) (*http.Response, error) {
	if !c.allowHTTP && urlHasInsecureScheme(url) {
		return nil, errors.New("http upstream not allowed; set ALLOW_INSECURE_HTTP to permit")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

func urlHasInsecureScheme(u string) bool {
	return len(u) >= 7 && u[:7] == "http://"
}
