// Package metrics exposes the Prometheus view of the dispatcher: request
// and rejection counters, task latency, and job state transitions. The
// JSON /status and /metrics documents on the main socket are built
// elsewhere; this collector feeds the optional scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchd/pkg/types"
)

// Collector bundles the process metrics on a private registry so tests
// can run several instances without double-registration panics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	rejectionsTotal   *prometheus.CounterVec
	taskLatency       *prometheus.HistogramVec
	taskErrors        *prometheus.CounterVec
	jobTransitions    *prometheus.CounterVec
	connectionsTotal  prometheus.Counter
	jobsResumedTotal  prometheus.Counter
}

// NewCollector builds and registers all metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_requests_total",
			Help: "Requests accepted per command.",
		}, []string{"command"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_admission_rejections_total",
			Help: "Requests refused with 503 backpressure per command.",
		}, []string{"command"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatchd_task_latency_seconds",
			Help:    "Task execution latency per command.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"command"}),
		taskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_task_errors_total",
			Help: "Failed tasks per command and error kind.",
		}, []string{"command", "kind"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchd_job_transitions_total",
			Help: "Job state transitions by resulting status.",
		}, []string{"status"}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchd_connections_total",
			Help: "Accepted TCP connections.",
		}),
		jobsResumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchd_jobs_resumed_total",
			Help: "Running jobs re-queued as pending after a restart.",
		}),
	}
	c.registry.MustRegister(
		c.requestsTotal,
		c.rejectionsTotal,
		c.taskLatency,
		c.taskErrors,
		c.jobTransitions,
		c.connectionsTotal,
		c.jobsResumedTotal,
	)
	return c
}

// Handler returns the scrape endpoint for the optional metrics listener.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Connection() {
	c.connectionsTotal.Inc()
}

func (c *Collector) RequestAdmitted(command string) {
	c.requestsTotal.WithLabelValues(command).Inc()
}

func (c *Collector) RequestRejected(command string) {
	c.rejectionsTotal.WithLabelValues(command).Inc()
}

// TaskDone records one terminal task outcome; errKind is empty on
// success.
func (c *Collector) TaskDone(command string, elapsedMS int64, errKind string) {
	c.taskLatency.WithLabelValues(command).Observe(float64(elapsedMS) / 1000.0)
	if errKind != "" {
		c.taskErrors.WithLabelValues(command, errKind).Inc()
	}
}

func (c *Collector) JobTransition(status types.JobStatus) {
	c.jobTransitions.WithLabelValues(string(status)).Inc()
}

func (c *Collector) JobsResumed(n int) {
	c.jobsResumedTotal.Add(float64(n))
}
