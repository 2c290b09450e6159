// Package metrics exposes Prometheus collectors for the harvester.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	imagesTotal                *prometheus.CounterVec
	facesTotal                 *prometheus.CounterVec
	embedDurationSeconds       prometheus.Histogram
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsBlockedTotal         *prometheus.CounterVec
	strategyResultsTotal       *prometheus.CounterVec
	proxyEventsTotal           *prometheus.CounterVec
	proxyActive                prometheus.Gauge
	indexVectors               prometheus.Gauge
	indexFlushSeconds          prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_bytes_total",
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

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_images_total",
				Help: "Images handled by the pipeline, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		facesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_faces_total",
				Help: "Face detections, labeled by outcome (indexed, low_confidence, over_cap, error).",
			},
			[]string{"outcome"},
		)

		embedDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_embed_duration_seconds",
				Help:    "Latency of embedder calls.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"domain"},
		)

		robotsBlockedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_robots_blocked_total",
				Help: "Pages skipped because robots.txt disallowed them.",
			},
			[]string{"site"},
		)

		strategyResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_strategy_results_total",
				Help: "Candidate images produced, labeled by platform and strategy step.",
			},
			[]string{"platform", "strategy"},
		)

		proxyEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_proxy_events_total",
				Help: "Proxy pool events, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		proxyActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_proxy_active",
				Help: "Active proxies in the most recent pool snapshot.",
			},
		)

		indexVectors = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_index_vectors",
				Help: "Vectors held by the face index, including pending ones.",
			},
		)

		indexFlushSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_index_flush_seconds",
				Help:    "Duration of vector index flushes.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
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

// ObservePage increments the page fetch metrics.
func ObservePage(site string, status string, bytesFetched int) {
	if pagesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveImage counts an image by pipeline outcome.
func ObserveImage(outcome string) {
	if imagesTotal == nil {
		return
	}
	imagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFaces counts n detections under outcome.
func ObserveFaces(outcome string, n int) {
	if facesTotal == nil || n <= 0 {
		return
	}
	facesTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveEmbed records embedder latency.
func ObserveEmbed(duration time.Duration) {
	if embedDurationSeconds == nil {
		return
	}
	embedDurationSeconds.Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsBlocked counts a page skipped by robots.txt.
func ObserveRobotsBlocked(site string) {
	if robotsBlockedTotal == nil {
		return
	}
	robotsBlockedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveStrategyResults counts candidates produced by one strategy step.
func ObserveStrategyResults(platform, strategy string, n int) {
	if strategyResultsTotal == nil || n <= 0 {
		return
	}
	strategyResultsTotal.WithLabelValues(platform, strategy).Add(float64(n))
}

// ObserveProxyEvent counts a proxy outcome (success, failure, deactivated, reactivated).
func ObserveProxyEvent(outcome string) {
	if proxyEventsTotal == nil {
		return
	}
	proxyEventsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveProxies sets the active proxy gauge.
func SetActiveProxies(n int) {
	if proxyActive != nil {
		proxyActive.Set(float64(n))
	}
}

// SetIndexSize sets the vector count gauge.
func SetIndexSize(n int64) {
	if indexVectors != nil {
		indexVectors.Set(float64(n))
	}
}

// ObserveIndexFlush records how long a flush took.
func ObserveIndexFlush(duration time.Duration) {
	if indexFlushSeconds != nil {
		indexFlushSeconds.Observe(duration.Seconds())
	}
}
