package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/metric"
)

// poolMetrics holds the Prometheus metrics of a Pool.
type poolMetrics struct {
	submitted    prometheus.Counter
	completed    *prometheus.CounterVec
	discarded    prometheus.Counter
	queueDepth   prometheus.Gauge
	busyWorkers  prometheus.Gauge
	queueLatency prometheus.Histogram
	runDuration  prometheus.Histogram
}

// newPoolMetrics registers the pool metrics. A nil registry disables them.
func newPoolMetrics(registry *metric.MetricsRegistry) (*poolMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &poolMetrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the scheduler queue",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "tasks_completed_total",
			Help:      "Tasks executed by outcome",
		}, []string{"outcome"}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "tasks_discarded_total",
			Help:      "Tasks released without running",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the queue",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "busy_workers",
			Help:      "Workers currently running a task",
		}),
		queueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "queue_latency_seconds",
			Help:      "Time from task creation to execution",
			Buckets:   metric.DurationBuckets,
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Task callback execution time",
			Buckets:   metric.DurationBuckets,
		}),
	}

	const service = "scheduler"
	for _, reg := range []func() error{
		func() error { return registry.RegisterCounter(service, "tasks_submitted_total", m.submitted) },
		func() error { return registry.RegisterCounterVec(service, "tasks_completed_total", m.completed) },
		func() error { return registry.RegisterCounter(service, "tasks_discarded_total", m.discarded) },
		func() error { return registry.RegisterGauge(service, "queue_depth", m.queueDepth) },
		func() error { return registry.RegisterGauge(service, "busy_workers", m.busyWorkers) },
		func() error { return registry.RegisterHistogram(service, "queue_latency_seconds", m.queueLatency) },
		func() error { return registry.RegisterHistogram(service, "run_duration_seconds", m.runDuration) },
	} {
		if err := reg(); err != nil {
			return nil, errors.WrapFatal(err, "Pool", "newPoolMetrics", "metric registration")
		}
	}
	return m, nil
}
