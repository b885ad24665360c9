package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobOperations = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "r2d_job_operations_total", Help: "Job lifecycle operations by outcome"}, []string{"operation", "outcome"})
	SyncRuns      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "r2d_sync_runs_total", Help: "Local/remote job reconciliations by outcome"}, []string{"outcome"})
	SyncChanges   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "r2d_sync_changes_total", Help: "Local job records changed by sync"}, []string{"change"})
	SessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "r2d_session_events_total", Help: "Session lifecycle events"}, []string{"event"})
	Uploads       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "r2d_uploads_total", Help: "Uploaded files by type and outcome"}, []string{"type", "outcome"})

	RemoteRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "r2d_remote_request_seconds",
		Help:    "Latency of calls to the remote job service",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "outcome"})
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRefused = "refused"
)

// Outcome maps a boolean result to its label.
func Outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobOperations,
			SyncRuns,
			SyncChanges,
			SessionEvents,
			Uploads,
			RemoteRequests,
		)
	})
	return promhttp.Handler()
}
