// Package metrics exposes Prometheus collectors for the conversion pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for ConversionsTotal.
const (
	OutcomeSuccess  = "success"
	OutcomeCacheHit = "cache_hit"
	OutcomeFailure  = "failure"
)

// Registry holds every collector of this service.
var Registry = prometheus.NewRegistry()

var (
	conversionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdf2html",
		Name:      "conversions_total",
		Help:      "PDF to HTML conversions by outcome.",
	}, []string{"outcome"})

	conversionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pdf2html",
		Name:      "conversion_duration_seconds",
		Help:      "Time spent running pdftohtml.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func init() {
	Registry.MustRegister(
		conversionsTotal,
		conversionDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveConversion records one finished conversion.
func ObserveConversion(outcome string, took time.Duration) {
	conversionsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		conversionDuration.Observe(took.Seconds())
	}
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
