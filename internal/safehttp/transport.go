// Package safehttp provides an outbound HTTP transport that refuses to
// connect to private networks.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// NewTransport returns a transport that rejects connections to loopback,
// private and link-local addresses, so an outbound URL cannot be pointed
// at internal services.
func NewTransport(dialTimeout time.Duration) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &http.Transport{
		Proxy:       nil,
		DialContext: dialContext(&net.Dialer{Timeout: dialTimeout}),
	}
}

func dialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}
		if Denied(ip) {
			conn.Close()
			return nil, fmt.Errorf("access to private IP %s is denied", ip)
		}
		return conn, nil
	}
}

// Denied reports whether ip is in a range the transport refuses.
func Denied(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
