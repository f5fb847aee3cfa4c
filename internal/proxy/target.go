package proxy

import (
	"net"
	"net/url"
)

func parseTarget(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

func splitHostPort(addr string) (string, string, error) {
	return net.SplitHostPort(addr)
}
