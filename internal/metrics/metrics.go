// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeRetry  = "retry"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvec_jobs_total",
			Help: "Embedding, removal and extraction jobs by outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docvec_job_duration_seconds",
			Help:    "Wall time of finished jobs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"kind"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvec_provider_requests_total",
			Help: "Requests sent to embedding providers",
		},
		[]string{"provider", "outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvec_cache_lookups_total",
			Help: "Embedding cache lookups by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	ImagesExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docvec_images_extracted_total",
			Help: "Images extracted from uploaded documents and stored",
		},
	)
)

// ObserveJob records one finished job.
func ObserveJob(kind string, started time.Time, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	JobsTotal.WithLabelValues(kind, outcome).Inc()
	JobDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
