package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/Rifushigi/zta-poc/pkg/audit"
	"github.com/Rifushigi/zta-poc/pkg/auth"
	"github.com/Rifushigi/zta-poc/pkg/httpx"
	"github.com/Rifushigi/zta-poc/pkg/policy"
	"github.com/Rifushigi/zta-poc/pkg/stream"
)

// recordMiddleware opens the audit trail and emits exactly one record and one
// metrics observation when the request completes, whichever gate ended it.
func (s *Server) recordMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, trail := audit.WithTrail(r.Context())
		r = r.WithContext(ctx)
		rec := httpx.NewStatusRecorder(w)

		// Deferred so the record survives a panic unwinding through this
		// frame; the recoverer below writes its 500 through rec first.
		defer func() {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			duration := time.Since(start)
			s.Metrics.ObserveRequest(r.Method, route, rec.Code, duration)

			record := audit.Record{
				Operation:  audit.OperationForMethod(r.Method),
				Method:     r.Method,
				Path:       r.URL.Path,
				ClientIP:   s.Perimeter.ClientIP(r),
				StatusCode: rec.Code,
				DurationMS: duration.Milliseconds(),
				RequestID:  httpx.RequestID(ctx),
			}
			trail.Fill(&record)
			s.Audit.Emit(r.Context(), record)
		}()

		next.ServeHTTP(rec, r)
	})
}

// rateLimitMiddleware enforces the per-IP fixed-window budget. The key is the
// perimeter-resolved client IP, so a spoofed X-Forwarded-For from an untrusted
// peer cannot escape its bucket.
func (s *Server) rateLimitMiddleware(bypass map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := bypass[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			ip := s.Perimeter.ClientIP(r)
			d := s.RateLimiter.Allow(ip, s.Config.RateLimitMax)
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			reset := int(time.Until(d.ResetAt).Round(time.Second) / time.Second)
			if reset < 0 {
				reset = 0
			}
			h.Set("RateLimit-Reset", strconv.Itoa(reset))
			if !d.Allowed {
				retry := d.RetryAfter(time.Now().UTC())
				h.Set("Retry-After", strconv.Itoa(retry))
				s.Logger.Warn("rate limit exceeded",
					"ip", ip,
					"count", d.Count,
					"limit", d.Limit,
					"request_id", httpx.RequestID(r.Context()),
				)
				httpx.Error(w, r, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// annotateIdentity copies the verified principal onto the audit trail.
func (s *Server) annotateIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			if trail, ok := audit.TrailFromContext(r.Context()); ok {
				trail.SetPrincipal(p.DisplayName(), p.Roles)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// policyMiddleware queries the decision point for every proxied request. Only
// an explicit allow forwards; a deny is 403 and anything else, including the
// decision point being down, is 500. Verdicts are never cached.
func (s *Server) policyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFromContext(r.Context())
		query := policy.Query{
			Token:  auth.TokenFromContext(r.Context()),
			Path:   r.URL.Path,
			Method: r.Method,
			User: map[string]interface{}{
				"id":       principal.Subject,
				"username": principal.DisplayName(),
				"roles":    principal.Roles,
			},
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.Config.PolicyTimeout)
		defer cancel()
		err := s.Policy.Decide(ctx, query)
		trail, _ := audit.TrailFromContext(r.Context())
		switch {
		case err == nil:
			trail.SetDecision("true")
			s.Metrics.ObservePolicyDecision("true", r.URL.Path, principal.DisplayName())
			next.ServeHTTP(w, r)
		case errors.Is(err, policy.ErrDenied):
			trail.SetDecision("false")
			s.Metrics.ObservePolicyDecision("false", r.URL.Path, principal.DisplayName())
			s.Logger.Warn("request denied by policy",
				"user", principal.DisplayName(),
				"path", r.URL.Path,
				"method", r.Method,
				"request_id", httpx.RequestID(r.Context()),
			)
			httpx.Error(w, r, http.StatusForbidden, "forbidden by policy")
		default:
			trail.SetDecision("error")
			s.Metrics.ObservePolicyDecision("error", r.URL.Path, principal.DisplayName())
			s.Logger.Error("policy decision unavailable",
				"error", err,
				"path", r.URL.Path,
				"request_id", httpx.RequestID(r.Context()),
			)
			httpx.Error(w, r, http.StatusInternalServerError, "policy decision unavailable")
		}
	})
}

// validateDataPayload checks the write payload for the data resource before it
// reaches policy or the backend. The body is restored for forwarding and kept
// on the audit trail.
func (s *Server) validateDataPayload(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/data" || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				httpx.Error(w, r, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			httpx.Error(w, r, http.StatusBadRequest, "unreadable request body")
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))

		var payload struct {
			Name        *string `json:"name"`
			Description *string `json:"description"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			httpx.Error(w, r, http.StatusBadRequest, "request body must be a JSON object")
			return
		}
		var problems []string
		if payload.Name == nil || strings.TrimSpace(*payload.Name) == "" {
			problems = append(problems, "name is required and must not be empty")
		}
		if payload.Description == nil {
			problems = append(problems, "description is required")
		}
		if len(problems) > 0 {
			httpx.ErrorWithDetails(w, r, http.StatusBadRequest, "validation failed", strings.Join(problems, "; "))
			return
		}
		if trail, ok := audit.TrailFromContext(r.Context()); ok {
			trail.SetRequestBody(json.RawMessage(body))
		}
		next.ServeHTTP(w, r)
	})
}

// streamEvents upgrades an authenticated connection and relays live audit
// events until the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, r, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(s.Config.CORSAllowedOrigins); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer sub.Close()

	_ = wsjson.Write(ctx, conn, stream.Event{Kind: "ready", At: time.Now().UTC()})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == "*" {
			continue
		}
		if u, err := url.Parse(p); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, p)
	}
	return out
}
