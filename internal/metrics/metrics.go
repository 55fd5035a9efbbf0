// Package metrics exposes Prometheus collectors for the rarity service.
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
	scrapesTotal               *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueDepth                 prometheus.Gauge
	activeJobs                 prometheus.Gauge
	breakerTripsTotal          prometheus.Counter
	breakerState               prometheus.Gauge
	dispatchDelaySeconds       *prometheus.HistogramVec
	cacheReadsTotal            *prometheus.CounterVec
	cacheRefreshesTotal        *prometheus.CounterVec
	snapshotWritesTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rarity_scrapes_total",
				Help: "Total number of scrape jobs, labeled by source host and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rarity_scrape_duration_seconds",
				Help:    "Histogram of scrape job durations, labeled by source host.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rarity_queue_depth",
				Help: "Number of scrape jobs waiting for dispatch.",
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rarity_active_jobs",
				Help: "Number of scrape jobs currently running.",
			},
		)

		breakerTripsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rarity_breaker_trips_total",
				Help: "Total number of times the cooldown breaker opened.",
			},
		)

		breakerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rarity_breaker_state",
				Help: "Cooldown breaker state: 0 closed, 1 open, 2 half-open.",
			},
		)

		dispatchDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rarity_dispatch_delay_seconds",
				Help:    "Histogram of waits imposed before dispatching a job.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
			},
			[]string{"cause"},
		)

		cacheReadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rarity_cache_reads_total",
				Help: "Total cache reads, labeled by fresh, stale or miss.",
			},
			[]string{"result"},
		)

		cacheRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rarity_cache_refreshes_total",
				Help: "Background refreshes requested from reads, labeled by outcome.",
			},
			[]string{"result"},
		)

		snapshotWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rarity_snapshot_writes_total",
				Help: "Snapshot write attempts, labeled by written, unchanged or error.",
			},
			[]string{"result"},
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
	Init()
	return promhttp.Handler()
}

// ObserveScrape records one finished job. An empty reason counts as "ok".
func ObserveScrape(source, reason string, duration time.Duration) {
	Init()
	site := SanitizeSite(source)
	outcome := reason
	if outcome == "" {
		outcome = "ok"
	}
	scrapesTotal.WithLabelValues(site, outcome).Inc()
	scrapeDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueDepth reports the number of waiting jobs.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveBreakerTrip counts a breaker opening.
func ObserveBreakerTrip() {
	Init()
	breakerTripsTotal.Inc()
}

// SetBreakerState exports the breaker state as a number.
func SetBreakerState(state int) {
	Init()
	breakerState.Set(float64(state))
}

// ObserveDispatchDelay records the duration of a gap, batch or cooldown wait.
func ObserveDispatchDelay(cause string, duration time.Duration) {
	Init()
	dispatchDelaySeconds.WithLabelValues(cause).Observe(duration.Seconds())
}

// ObserveCacheRead counts a cache lookup.
func ObserveCacheRead(result string) {
	Init()
	cacheReadsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheRefresh counts a refresh request from the read path.
func ObserveCacheRefresh(result string) {
	Init()
	cacheRefreshesTotal.WithLabelValues(result).Inc()
}

// ObserveSnapshotWrite counts a snapshot flush.
func ObserveSnapshotWrite(result string) {
	Init()
	snapshotWritesTotal.WithLabelValues(result).Inc()
}
