// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm0_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm0_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	upstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm0_upstream_attempts_total",
			Help: "Upstream provider attempts by outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	failovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm0_failovers_total",
			Help: "Requests served by a candidate other than the first",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llm0_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open)",
		},
		[]string{"provider"},
	)

	creditsDeducted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm0_credits_deducted_total",
			Help: "Credits deducted for model usage",
		},
		[]string{"model", "estimated"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm0_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"limit"},
	)

	streamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm0_stream_outcomes_total",
			Help: "Finished streams by outcome",
		},
		[]string{"outcome"},
	)
)

// Middleware records request count and latency per route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}
		status := strconv.Itoa(ww.Status())
		httpRequestsTotal.WithLabelValues(r.Method, routePath, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePath, status).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the Prometheus scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAttempt counts one upstream call
func RecordAttempt(provider, model string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	upstreamAttempts.WithLabelValues(provider, model, outcome).Inc()
}

// RecordFailover counts a request that needed a fallback candidate
func RecordFailover() {
	failovers.Inc()
}

// SetBreakerState publishes a breaker transition
func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordCredits counts credits deducted for a model
func RecordCredits(model string, credits float64, estimated bool) {
	creditsDeducted.WithLabelValues(model, strconv.FormatBool(estimated)).Add(credits)
}

// RecordRateLimited counts a rejection by the limit that tripped
func RecordRateLimited(limit string) {
	if limit == "" {
		limit = "unknown"
	}
	rateLimited.WithLabelValues(limit).Inc()
}

// RecordStream counts a finished stream: completed, error or canceled
func RecordStream(outcome string) {
	streamOutcomes.WithLabelValues(outcome).Inc()
}
