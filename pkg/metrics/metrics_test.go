package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	m := NewRegistry()
	m.ObserveRequest(http.MethodGet, "/api/data", 200, 120*time.Millisecond)
	m.ObserveRequest(http.MethodGet, "/api/data", 200, 80*time.Millisecond)
	m.ObserveRequest(http.MethodPost, "/api/data", 403, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/api/data", "200")); got != 2 {
		t.Fatalf("expected 2 GET requests recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "/api/data", "403")); got != 1 {
		t.Fatalf("expected 1 rejected POST recorded, got %v", got)
	}
}

func TestObservePolicyDecision(t *testing.T) {
	m := NewRegistry()
	m.ObservePolicyDecision("true", "/api/data", "alice")
	m.ObservePolicyDecision("false", "/api/data", "alice")
	m.ObservePolicyDecision("error", "/api/data", "")

	if got := testutil.ToFloat64(m.policyDecisions.WithLabelValues("true", "/api/data", "alice")); got != 1 {
		t.Fatalf("expected allow counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.policyDecisions.WithLabelValues("error", "/api/data", "unknown")); got != 1 {
		t.Fatalf("expected anonymous decision labeled unknown, got %v", got)
	}
}

func TestHandlerServesScrape(t *testing.T) {
	m := NewRegistry()
	m.ObserveRequest(http.MethodGet, "/healthz", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 scrape, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "gateway_http_requests_total") {
		t.Fatal("expected request counter in scrape output")
	}
	if !strings.Contains(body, "gateway_http_request_duration_seconds_bucket") {
		t.Fatal("expected latency histogram in scrape output")
	}
}
