package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riptide_jobs_created_total",
		Help: "The total number of admitted jobs.",
	}, []string{"type", "priority"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riptide_jobs_completed_total",
		Help: "The total number of jobs reaching a terminal state.",
	}, []string{"type", "status"}) // status: success, failure, cancelled

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riptide_jobs_retried_total",
		Help: "The total number of transient failures re-admitted for retry.",
	}, []string{"type"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riptide_job_duration_seconds",
		Help:    "Wall-clock duration of job execution.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type"})
)

// Handler exposes the Prometheus registry for mounting on any mux.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a standalone exposition endpoint on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
