package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/Rifushigi/zta-poc/pkg/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPropagationMiddlewareSetsIdentityHeaders(t *testing.T) {
	h := PropagationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(UserHeader); got != "alice" {
			t.Fatalf("expected X-User=alice, got %q", got)
		}
		if got := r.Header.Get(RolesHeader); got != "user,admin" {
			t.Fatalf("expected joined roles, got %q", got)
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set(UserHeader, "mallory")
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{
		Subject:  "user-1",
		Username: "alice",
		Roles:    []string{"user", "admin"},
	}, "tok"))
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestPropagationMiddlewareStripsWithoutPrincipal(t *testing.T) {
	h := PropagationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) != "" || r.Header.Get(RolesHeader) != "" {
			t.Fatal("identity headers must be unset without a principal")
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(UserHeader, "mallory")
	req.Header.Set(RolesHeader, "admin")
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestForwarderRelaysUpstreamResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) != "alice" {
			t.Errorf("expected propagated identity header, got %q", r.Header.Get(UserHeader))
		}
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("brewing"))
	}))
	defer backend.Close()

	target, _ := url.Parse(backend.URL)
	f := NewForwarder(target, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set(UserHeader, "alice")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("upstream status must pass through verbatim, got %d", rec.Code)
	}
	if rec.Body.String() != "brewing" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("X-Backend") != "yes" {
		t.Fatal("upstream headers must be relayed")
	}
}

func TestForwarderUpstream5xxPassesThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer backend.Close()

	target, _ := url.Parse(backend.URL)
	f := NewForwarder(target, nil, testLogger())
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/data", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("upstream 5xx must not be masked, got %d", rec.Code)
	}
}

func TestForwarderTransportFailure(t *testing.T) {
	target, _ := url.Parse("http://127.0.0.1:1")
	f := NewForwarder(target, nil, testLogger())
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/data", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for unreachable upstream, got %d", rec.Code)
	}
}
