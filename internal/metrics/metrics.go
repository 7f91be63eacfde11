package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. Each instance owns its own
// registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	taskTransitions     *prometheus.CounterVec
	rejectedTransitions *prometheus.CounterVec
	transportCalls      *prometheus.CounterVec
	pipelineResults     *prometheus.CounterVec
	stageDurations      *prometheus.HistogramVec
	tasksSwept          prometheus.Counter
}

// New creates a registry and registers all collectors on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		taskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_task_transitions", Help: "Number of applied task state transitions"}, []string{"worker", "state"}),
		rejectedTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_task_rejected_transitions", Help: "Number of rejected task state transitions"}, []string{"worker"}),
		transportCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_transport_calls", Help: "Number of worker calls by outcome"}, []string{"worker", "outcome"}),
		pipelineResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrelay_pipeline_results", Help: "Number of pipeline runs by status"}, []string{"status"}),
		stageDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "taskrelay_stage_duration_seconds", Help: "Pipeline stage duration", Buckets: prometheus.DefBuckets}, []string{"stage"}),
		tasksSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskrelay_tasks_swept", Help: "Number of finished tasks removed by retention"}),
	}
}

func (m *Metrics) TaskTransition(worker, state string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(worker, state).Inc()
}

func (m *Metrics) TransitionRejected(worker string) {
	if m == nil {
		return
	}
	m.rejectedTransitions.WithLabelValues(worker).Inc()
}

// TransportCall records one worker call. outcome is "ok", "unavailable",
// "protocol" or "error".
func (m *Metrics) TransportCall(worker, outcome string) {
	if m == nil {
		return
	}
	m.transportCalls.WithLabelValues(worker, outcome).Inc()
}

func (m *Metrics) PipelineResult(status string) {
	if m == nil {
		return
	}
	m.pipelineResults.WithLabelValues(status).Inc()
}

func (m *Metrics) StageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDurations.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) TasksSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksSwept.Add(float64(n))
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
