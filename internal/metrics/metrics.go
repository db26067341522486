package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenshotter",
			Subsystem: "capture",
			Name:      "jobs_submitted_total",
			Help:      "Number of capture jobs accepted by Submit.",
		}, []string{"format"},
	)
	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenshotter",
			Subsystem: "capture",
			Name:      "jobs_finished_total",
			Help:      "Number of capture jobs that reached a terminal state.",
		}, []string{"status", "code"},
	)
	captureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "screenshotter",
			Subsystem: "capture",
			Name:      "duration_seconds",
			Help:      "Time from job start to terminal state.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"format"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "screenshotter",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a free worker.",
		},
	)
	openPages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "screenshotter",
			Subsystem: "browser",
			Name:      "open_pages",
			Help:      "Pages currently open against the shared browser.",
		},
	)
	browserLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenshotter",
			Subsystem: "browser",
			Name:      "launches_total",
			Help:      "Browser process launch attempts by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{jobsSubmitted, jobsFinished, captureDuration, queueDepth, openPages, browserLaunches}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncSubmitted(format string) {
	if regOK.Load() {
		jobsSubmitted.WithLabelValues(format).Inc()
	}
}

func IncFinished(status, code string) {
	if regOK.Load() {
		jobsFinished.WithLabelValues(status, code).Inc()
	}
}

func ObserveCaptureDuration(format string, seconds float64) {
	if regOK.Load() {
		captureDuration.WithLabelValues(format).Observe(seconds)
	}
}

func SetQueueDepth(n int) {
	if regOK.Load() {
		queueDepth.Set(float64(n))
	}
}

func SetOpenPages(n int) {
	if regOK.Load() {
		openPages.Set(float64(n))
	}
}

func IncBrowserLaunch(result string) {
	if regOK.Load() {
		browserLaunches.WithLabelValues(result).Inc()
	}
}
