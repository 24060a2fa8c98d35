// Package metrics exposes Prometheus collectors for the scraper's fetch pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wetraa/999md-scraper/internal/pipeline"
)

var (
	fetchInFlight              *prometheus.GaugeVec
	fetchAdmissionsTotal       *prometheus.CounterVec
	fetchAdmissionWaitSeconds  *prometheus.HistogramVec
	fetchRateLimitDelaySeconds *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_fetch_in_flight",
				Help: "Fetch calls currently holding an admission, labeled by key.",
			},
			[]string{"key"},
		)

		fetchAdmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_admissions_total",
				Help: "Total number of fetch calls admitted, labeled by key.",
			},
			[]string{"key"},
		)

		fetchAdmissionWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_admission_wait_seconds",
				Help:    "Time a fetch call spent queued before admission.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"key"},
		)

		fetchRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
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
	})
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

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	fetchRateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// AdmissionRecorder feeds limiter admissions into the in-flight gauge and
// the admission wait histogram.
type AdmissionRecorder struct{}

var _ pipeline.AdmissionObserver = AdmissionRecorder{}

// NewAdmissionRecorder initializes the collectors and returns a recorder.
func NewAdmissionRecorder() AdmissionRecorder {
	Init()
	return AdmissionRecorder{}
}

// Admitted implements pipeline.AdmissionObserver.
func (AdmissionRecorder) Admitted(key string, waited time.Duration) {
	fetchInFlight.WithLabelValues(key).Inc()
	fetchAdmissionsTotal.WithLabelValues(key).Inc()
	fetchAdmissionWaitSeconds.WithLabelValues(key).Observe(waited.Seconds())
}

// Released implements pipeline.AdmissionObserver.
func (AdmissionRecorder) Released(key string) {
	fetchInFlight.WithLabelValues(key).Dec()
}
