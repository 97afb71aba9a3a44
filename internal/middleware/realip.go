package middleware

import (
	"net"
	"net/http"
	"strings"
)

// RealIPMiddleware rewrites X-Real-IP from proxy headers, but only when the
// direct peer is a configured trusted proxy. Anything a stranger sends in
// X-Forwarded-For is ignored, so the rate limiter keys on an address the
// caller cannot choose.
type RealIPMiddleware struct {
	trusted []*net.IPNet
}

// NewRealIPMiddleware parses the trusted proxy list. Entries may be CIDRs
// ("10.0.0.0/8") or single addresses ("192.168.1.1").
func NewRealIPMiddleware(trustedProxies []string) *RealIPMiddleware {
	m := &RealIPMiddleware{}
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				if ip.To4() != nil {
					entry += "/32"
				} else {
					entry += "/128"
				}
			}
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			m.trusted = append(m.trusted, network)
		}
	}
	return m
}

// Handler is the middleware.
func (m *RealIPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := m.clientIP(r); ip != "" {
			r.Header.Set("X-Real-IP", ip)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the address to attribute the request to. Forwarded
// headers are honored only from trusted peers; CF-Connecting-IP wins over
// X-Forwarded-For, whose first entry is the original client.
func (m *RealIPMiddleware) clientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !m.isTrusted(peer) {
		return peer
	}

	if cf := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cf != "" {
		return cf
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return peer
}

func (m *RealIPMiddleware) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range m.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// hostOnly strips the port from a RemoteAddr, tolerating bare IPs.
func hostOnly(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
