package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wetraa/999md-scraper/internal/pipeline"
	"github.com/wetraa/999md-scraper/internal/progress"
)

// PrometheusSink exports attempt metrics via Prometheus. It owns the
// collectors for calls, attempts, retries, failures and per-site transfer.
type PrometheusSink struct {
	callsStarted  *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_calls_total",
			Help: "Logical fetch calls that made a first attempt, partitioned by site.",
		}, []string{"site"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_attempts_total",
			Help: "Fetch attempts partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_retries_total",
			Help: "Attempts beyond the first, partitioned by site.",
		}, []string{"site"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_failures_total",
			Help: "Failed attempts partitioned by site and error kind.",
		}, []string{"site", "kind"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_fetch_attempt_duration_seconds",
			Help:    "Attempt duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
	}
	for _, collector := range []prometheus.Collector{
		s.callsStarted,
		s.attempts,
		s.retries,
		s.failures,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register attempt collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = progress.UnknownSite
	}
	if evt.Attempt == 1 {
		s.callsStarted.WithLabelValues(site).Inc()
	}
	if evt.Retry() {
		s.retries.WithLabelValues(site).Inc()
	}
	s.attempts.WithLabelValues(site, string(evt.Outcome)).Inc()

	if evt.Outcome == pipeline.OutcomeError {
		kind := string(evt.ErrorKind)
		if kind == "" {
			kind = "fatal"
		}
		s.failures.WithLabelValues(site, kind).Inc()
	}
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		statusClass := string(evt.StatusClass)
		if statusClass == "" {
			statusClass = string(progress.StatusOther)
		}
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
