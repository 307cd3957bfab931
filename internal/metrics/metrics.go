// Package metrics exposes Prometheus collectors for the site search service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcome labels.
const (
	PagePersisted   = "persisted"
	PageUnreachable = "unreachable"
	PageSkipped     = "skipped"
)

var (
	crawlPagesTotal            *prometheus.CounterVec
	crawlBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	indexingRunsTotal          *prometheus.CounterVec
	indexingActiveRuns         prometheus.Gauge
	handoffQueueDepth          *prometheus.GaugeVec
	handoffBackoffTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_crawl_pages_total",
				Help: "Total number of crawl tasks, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_crawl_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		indexingRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_indexing_runs_total",
				Help: "Total number of finished indexing runs, labeled by final status.",
			},
			[]string{"status"},
		)

		indexingActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitesearch_indexing_active_runs",
				Help: "Number of indexing runs currently in progress.",
			},
		)

		handoffQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sitesearch_handoff_queue_depth",
				Help: "Pages waiting in the handoff queue, labeled by site.",
			},
			[]string{"site"},
		)

		handoffBackoffTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_handoff_backoff_total",
				Help: "Total number of producer backoff sleeps on a nearly full handoff queue.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitesearch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records the outcome of one crawl task.
func ObservePage(site, outcome string, bytesFetched int) {
	Init()
	host := SanitizeSite(site)
	crawlPagesTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun counts a finished indexing run by its final status.
func ObserveRun(status string) {
	Init()
	indexingRunsTotal.WithLabelValues(status).Inc()
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	indexingActiveRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	indexingActiveRuns.Dec()
}

// SetQueueDepth records the number of pages buffered for a site.
func SetQueueDepth(site string, depth int) {
	Init()
	handoffQueueDepth.WithLabelValues(SanitizeSite(site)).Set(float64(depth))
}

// ObserveBackoff counts one producer backoff sleep.
func ObserveBackoff(site string) {
	Init()
	handoffBackoffTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies labeled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}
