// Package metrics exposes process-wide Prometheus collectors for the scraper
// and its status server. Run progress collectors live in progress/sinks.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	scraperActiveWorkers       prometheus.Gauge
	scraperStoreBusyTotal      *prometheus.CounterVec
	scraperNavigationWaits     *prometheus.HistogramVec
	scraperNavigationsTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently holding a browser session.",
			},
		)

		scraperStoreBusyTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_store_busy_total",
				Help: "Store operations that hit lock contention, labeled by operation.",
			},
			[]string{"op"},
		)

		scraperNavigationWaits = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_navigation_wait_seconds",
				Help:    "Time spent waiting on the navigation pacer, labeled by host.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		scraperNavigationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_navigations_total",
				Help: "Browser navigations, labeled by host and result.",
			},
			[]string{"host", "result"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	scraperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	scraperActiveWorkers.Dec()
}

// ObserveStoreBusy counts one contention retry for op.
func ObserveStoreBusy(op string) {
	Init()
	scraperStoreBusyTotal.WithLabelValues(op).Inc()
}

// ObserveNavigation records a navigation to rawURL and the time spent waiting
// for the pacer beforehand.
func ObserveNavigation(rawURL string, wait time.Duration, err error) {
	Init()
	host := SanitizeSite(rawURL)
	result := "ok"
	if err != nil {
		result = "error"
	}
	scraperNavigationsTotal.WithLabelValues(host, result).Inc()
	scraperNavigationWaits.WithLabelValues(host).Observe(wait.Seconds())
}
