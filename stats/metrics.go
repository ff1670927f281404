package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/metric"
)

type recorderMetrics struct {
	tasks        *prometheus.CounterVec
	queueLatency *prometheus.HistogramVec
	runDuration  *prometheus.HistogramVec
	sinkErrors   *prometheus.CounterVec
}

func newRecorderMetrics(registry *metric.MetricsRegistry) (*recorderMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &recorderMetrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "reaction",
			Name:      "tasks_total",
			Help:      "Finished tasks by reaction and outcome",
		}, []string{"reaction", "outcome"}),
		queueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "reaction",
			Name:      "queue_latency_seconds",
			Help:      "Time from task creation to execution",
			Buckets:   metric.DurationBuckets,
		}, []string{"reaction"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "reaction",
			Name:      "run_duration_seconds",
			Help:      "Callback execution time",
			Buckets:   metric.DurationBuckets,
		}, []string{"reaction"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "stats",
			Name:      "sink_errors_total",
			Help:      "Records a sink failed to write",
		}, []string{"sink"}),
	}

	const service = "stats"
	if err := registry.RegisterCounterVec(service, "tasks_total", m.tasks); err != nil {
		return nil, errors.WrapFatal(err, "Recorder", "newRecorderMetrics", "register tasks")
	}
	if err := registry.RegisterHistogramVec(service, "queue_latency", m.queueLatency); err != nil {
		return nil, errors.WrapFatal(err, "Recorder", "newRecorderMetrics", "register queue latency")
	}
	if err := registry.RegisterHistogramVec(service, "run_duration", m.runDuration); err != nil {
		return nil, errors.WrapFatal(err, "Recorder", "newRecorderMetrics", "register run duration")
	}
	if err := registry.RegisterCounterVec(service, "sink_errors", m.sinkErrors); err != nil {
		return nil, errors.WrapFatal(err, "Recorder", "newRecorderMetrics", "register sink errors")
	}
	return m, nil
}

func (m *recorderMetrics) observe(r Record) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(r.Reaction, r.Outcome()).Inc()
	if r.Ran() {
		m.queueLatency.WithLabelValues(r.Reaction).Observe(float64(r.QueueLatencyNS) / 1e9)
		m.runDuration.WithLabelValues(r.Reaction).Observe(float64(r.RunDurationNS) / 1e9)
	}
}

func (m *recorderMetrics) sinkFailed(name string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(name).Inc()
}
