// Package metrics exposes the gateway's Prometheus instrumentation: request
// counters and latency by method/route/status, plus policy decision counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg             *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	policyDecisions *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Registry{
		reg: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status_code"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_policy_decisions_total",
			Help: "Total number of policy decisions.",
		}, []string{"result", "route", "user"}),
	}
	reg.MustRegister(m.requestDuration, m.requestsTotal, m.policyDecisions)
	return m
}

// ObserveRequest records one completed request, whatever gate it ended at.
func (m *Registry) ObserveRequest(method, route string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
	m.requestsTotal.WithLabelValues(method, route, code).Inc()
}

// ObservePolicyDecision records one verdict: "true", "false", or "error".
func (m *Registry) ObservePolicyDecision(result, route, user string) {
	if user == "" {
		user = "unknown"
	}
	m.policyDecisions.WithLabelValues(result, route, user).Inc()
}

// Handler serves the scrape endpoint for this registry.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
