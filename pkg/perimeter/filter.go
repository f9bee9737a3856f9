// Package perimeter implements the static IP allow/deny gate that precedes all
// other request processing.
package perimeter

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Rifushigi/zta-poc/pkg/httpx"
)

// Filter holds the static perimeter lists. An empty allowlist means allow all;
// the denylist is always consulted after the allowlist.
type Filter struct {
	Allowlist         map[string]struct{}
	Denylist          map[string]struct{}
	TrustedProxyCIDRs []*net.IPNet
	Logger            *slog.Logger
}

func NewFilter(allowlist, denylist []string, trustedProxies []*net.IPNet, logger *slog.Logger) *Filter {
	f := &Filter{
		Allowlist:         map[string]struct{}{},
		Denylist:          map[string]struct{}{},
		TrustedProxyCIDRs: trustedProxies,
		Logger:            logger,
	}
	for _, ip := range allowlist {
		if ip = strings.TrimSpace(ip); ip != "" {
			f.Allowlist[ip] = struct{}{}
		}
	}
	for _, ip := range denylist {
		if ip = strings.TrimSpace(ip); ip != "" {
			f.Denylist[ip] = struct{}{}
		}
	}
	return f
}

// ClientIP resolves the caller's address. X-Forwarded-For is honored only when
// the direct peer is inside a trusted proxy CIDR; the first hop in the chain is
// taken as the original client.
func (f *Filter) ClientIP(r *http.Request) string {
	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}
	if remoteIP != "" && f.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
	}
	return remoteIP
}

func (f *Filter) isTrustedProxy(ipStr string) bool {
	if len(f.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range f.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Allowed evaluates the perimeter lists for a resolved client IP.
func (f *Filter) Allowed(ip string) bool {
	if len(f.Allowlist) > 0 {
		if _, ok := f.Allowlist[ip]; !ok {
			return false
		}
	}
	_, denied := f.Denylist[ip]
	return !denied
}

// Middleware rejects filtered IPs with 403 before any downstream gate runs.
// Paths in bypass (health probe, metrics scrape) skip the filter.
func (f *Filter) Middleware(bypass map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := bypass[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			ip := f.ClientIP(r)
			if !f.Allowed(ip) {
				f.Logger.Warn("blocked by perimeter filter",
					"ip", ip,
					"path", r.URL.Path,
					"request_id", httpx.RequestID(r.Context()),
				)
				httpx.Error(w, r, http.StatusForbidden, "access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
