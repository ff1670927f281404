package network

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/metric"
)

type controllerMetrics struct {
	peers             prometheus.Gauge
	framesSent        *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	tasksCreated      prometheus.Counter
	reassemblyDropped *prometheus.CounterVec
	handshakeFailures prometheus.Counter
	dials             *prometheus.CounterVec
}

// newControllerMetrics registers the controller metrics. A nil registry
// disables them.
func newControllerMetrics(registry *metric.MetricsRegistry) (*controllerMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &controllerMetrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "peers",
			Help:      "Established peer connections",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "frames_sent_total",
			Help:      "Frames written by transport",
		}, []string{"transport"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "bytes_sent_total",
			Help:      "Frame bytes written by transport",
		}, []string{"transport"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "frames_received_total",
			Help:      "Frames read by transport",
		}, []string{"transport"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded by reason",
		}, []string{"reason"}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "tasks_created_total",
			Help:      "Tasks created from inbound messages",
		}),
		reassemblyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "reassembly_dropped_total",
			Help:      "Partial assemblies discarded by reason",
		}, []string{"reason"}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "handshake_failures_total",
			Help:      "TCP connections closed during handshake",
		}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "network",
			Name:      "dials_total",
			Help:      "Outbound connection attempts by outcome",
		}, []string{"outcome"}),
	}

	const service = "network"
	for _, reg := range []func() error{
		func() error { return registry.RegisterGauge(service, "peers", m.peers) },
		func() error { return registry.RegisterCounterVec(service, "frames_sent_total", m.framesSent) },
		func() error { return registry.RegisterCounterVec(service, "bytes_sent_total", m.bytesSent) },
		func() error { return registry.RegisterCounterVec(service, "frames_received_total", m.framesReceived) },
		func() error { return registry.RegisterCounterVec(service, "frames_dropped_total", m.framesDropped) },
		func() error { return registry.RegisterCounter(service, "tasks_created_total", m.tasksCreated) },
		func() error { return registry.RegisterCounterVec(service, "reassembly_dropped_total", m.reassemblyDropped) },
		func() error { return registry.RegisterCounter(service, "handshake_failures_total", m.handshakeFailures) },
		func() error { return registry.RegisterCounterVec(service, "dials_total", m.dials) },
	} {
		if err := reg(); err != nil {
			return nil, errors.WrapFatal(err, "Controller", "newControllerMetrics", "metric registration")
		}
	}
	return m, nil
}

func (m *controllerMetrics) sent(transport string, frames, bytes int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(transport).Add(float64(frames))
	m.bytesSent.WithLabelValues(transport).Add(float64(bytes))
}

func (m *controllerMetrics) received(transport string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(transport).Inc()
}

func (m *controllerMetrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *controllerMetrics) setPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *controllerMetrics) taskCreated() {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
}

func (m *controllerMetrics) assembliesLost(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reassemblyDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *controllerMetrics) handshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

func (m *controllerMetrics) dial(outcome string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(outcome).Inc()
}
