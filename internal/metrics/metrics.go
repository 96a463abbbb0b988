// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	stageDurationSeconds       *prometheus.HistogramVec
	extractionsTotal           *prometheus.CounterVec
	backendSubmissionsTotal    *prometheus.CounterVec
	backendUp                  *prometheus.GaugeVec
	pollAttempts               *prometheus.HistogramVec
	tasksTotal                 *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	llmRateLimitDelaySeconds   prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldigest_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldigest_bytes_total",
				Help: "Total number of HTML bytes fetched, labeled by site.",
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

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawldigest_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage.",
				Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldigest_extractions_total",
				Help: "Extractions by the strategy that produced the result.",
			},
			[]string{"strategy"},
		)

		backendSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldigest_backend_submissions_total",
				Help: "Submission attempts per backend, labeled by outcome.",
			},
			[]string{"backend", "outcome"},
		)

		backendUp = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawldigest_backend_up",
				Help: "1 when the last health probe of a backend succeeded.",
			},
			[]string{"backend"},
		)

		pollAttempts = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawldigest_poll_attempts",
				Help:    "Status polls needed before a task reached a terminal state.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"backend"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldigest_tasks_total",
				Help: "Finished tasks, labeled by terminal reason.",
			},
			[]string{"reason"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawldigest_local_active_workers",
				Help: "Number of local backend workers currently processing a job.",
			},
		)

		llmRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawldigest_llm_rate_limit_delay_seconds",
				Help:    "Histogram of waits imposed by the model request limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
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

// ObserveCrawl counts a crawled URL.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveExtraction counts which parse strategy (or "fallback") produced a summary.
func ObserveExtraction(strategy string) {
	Init()
	extractionsTotal.WithLabelValues(strategy).Inc()
}

// ObserveSubmission counts a submission attempt against backend.
func ObserveSubmission(backend string, accepted bool) {
	Init()
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	backendSubmissionsTotal.WithLabelValues(backend, outcome).Inc()
}

// SetBackendUp records the latest health probe of backend.
func SetBackendUp(backend string, up bool) {
	Init()
	v := 0.0
	if up {
		v = 1
	}
	backendUp.WithLabelValues(backend).Set(v)
}

// ObservePollAttempts records how many polls a task took.
func ObservePollAttempts(backend string, attempts int) {
	Init()
	pollAttempts.WithLabelValues(backend).Observe(float64(attempts))
}

// ObserveTask counts a finished task.
func ObserveTask(reason string) {
	Init()
	tasksTotal.WithLabelValues(reason).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a model limiter wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	llmRateLimitDelaySeconds.Observe(duration.Seconds())
}
