// Package metrics exposes Prometheus collectors for the downloader.
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
	downloadsTotal       *prometheus.CounterVec
	downloadBytesTotal   *prometheus.CounterVec
	downloadRetriesTotal *prometheus.CounterVec
	downloadDuration     *prometheus.HistogramVec
	proxyLeasesTotal     *prometheus.CounterVec
	crawlPagesTotal      *prometheus.CounterVec
	activeWorkers        prometheus.Gauge
	hookFailuresTotal    *prometheus.CounterVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Total number of URLs finished, labeled by site and final status.",
			},
			[]string{"site", "status"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_download_bytes_total",
				Help: "Total number of body bytes written to disk, labeled by site.",
			},
			[]string{"site"},
		)

		downloadRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_download_retries_total",
				Help: "Total number of retried attempts, labeled by site.",
			},
			[]string{"site"},
		)

		downloadDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_download_duration_seconds",
				Help:    "Histogram of per-URL processing time, labeled by final status.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"status"},
		)

		proxyLeasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_proxy_leases_total",
				Help: "Proxy lease outcomes: leased, discarded or exhausted.",
			},
			[]string{"result"},
		)

		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_crawl_pages_total",
				Help: "Pages fetched by the crawler, labeled by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently holding the admission gate.",
			},
		)

		hookFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_hook_failures_total",
				Help: "Post-processing hook failures, labeled by hook.",
			},
			[]string{"hook"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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

// ObserveDownload records a finished URL.
func ObserveDownload(site, status string, bytesWritten int64, elapsed time.Duration) {
	Init()
	sanitized := SanitizeSite(site)
	downloadsTotal.WithLabelValues(sanitized, status).Inc()
	if bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(sanitized).Add(float64(bytesWritten))
	}
	downloadDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// ObserveRetry counts one retried attempt.
func ObserveRetry(site string) {
	Init()
	downloadRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveProxyLease counts a proxy lease outcome.
func ObserveProxyLease(result string) {
	Init()
	proxyLeasesTotal.WithLabelValues(result).Inc()
}

// ObserveCrawlPage counts a crawled page.
func ObserveCrawlPage(result string) {
	Init()
	crawlPagesTotal.WithLabelValues(result).Inc()
}

// ObserveHookFailure counts a failed post-processing hook.
func ObserveHookFailure(hook string) {
	Init()
	hookFailuresTotal.WithLabelValues(hook).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
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
