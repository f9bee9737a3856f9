// Package proxy forwards authorized traffic to the backend origin, carrying
// the propagated identity metadata and relaying upstream responses verbatim.
package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/Rifushigi/zta-poc/pkg/auth"
	"github.com/Rifushigi/zta-poc/pkg/httpx"
)

const (
	UserHeader  = "X-User"
	RolesHeader = "X-Roles"
)

// PropagationMiddleware derives the upstream identity fields from the verified
// Principal. Inbound values are always stripped so a client can never smuggle
// its own identity claims past the gateway.
func PropagationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(UserHeader)
		r.Header.Del(RolesHeader)
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			r.Header.Set(UserHeader, p.DisplayName())
			r.Header.Set(RolesHeader, p.RoleList())
		}
		next.ServeHTTP(w, r)
	})
}

// Forwarder proxies to a fixed backend origin. It never retries: an upstream
// error status passes through untouched and a transport failure surfaces as
// 502 from the gateway.
type Forwarder struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
}

func NewForwarder(target *url.URL, transport http.RoundTripper, logger *slog.Logger) *Forwarder {
	f := &Forwarder{target: target}
	f.proxy = &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			pr.SetXForwarded()
			// Identity headers were set on the inbound request by the
			// propagation middleware; SetURL keeps them on pr.Out.
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed",
				"error", err,
				"path", r.URL.Path,
				"request_id", httpx.RequestID(r.Context()),
			)
			httpx.Error(w, r, http.StatusBadGateway, "upstream unavailable")
		},
	}
	return f
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.proxy.ServeHTTP(w, r)
}
