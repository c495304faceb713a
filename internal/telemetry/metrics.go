package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pipeline_jobs_processed_total", Help: "Jobs consumed per queue"},
		[]string{"queue"},
	)
	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pipeline_job_failures_total", Help: "Jobs whose handler returned an error, per queue"},
		[]string{"queue"},
	)
	ScenesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_scenes_completed_total", Help: "Scenes that reached completed"})
	ScenesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_scenes_failed_total", Help: "Scene attempts that failed"})
	ProjectsDone    = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pipeline_projects_terminal_total", Help: "Projects reaching a terminal status"},
		[]string{"status"},
	)
	SweepRequeues = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_sweep_requeues_total", Help: "Stale projects re-enqueued by the sweeper"})
	QueueDepth    = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Current queue length"},
		[]string{"queue"},
	)
	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsProcessed,
			JobFailures,
			ScenesCompleted,
			ScenesFailed,
			ProjectsDone,
			SweepRequeues,
			QueueDepth,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
