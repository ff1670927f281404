package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by this module.
const Namespace = "reactor"

// Metrics holds the process-wide metrics that are not owned by a single
// component.
type Metrics struct {
	ComponentStatus *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	HealthStatus    *prometheus.GaugeVec
	ReloadsTotal    *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// Component status values recorded by RecordComponentStatus.
const (
	StatusStopped = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// NewMetrics creates the core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by component and class",
			},
			[]string{"component", "class"},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "config",
				Name:      "reloads_total",
				Help:      "Configuration reloads by outcome",
			},
			[]string{"outcome"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ComponentStatus,
		c.ErrorsTotal,
		c.HealthStatus,
		c.ReloadsTotal,
		c.NATSConnected,
		c.NATSReconnects,
	}
}

// RecordComponentStatus updates the status gauge for a component
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordError increments the error counter for a component and class
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealthStatus updates the health gauge for a component
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	c.HealthStatus.WithLabelValues(component).Set(boolGauge(healthy))
}

// RecordReload counts a configuration reload attempt
func (c *Metrics) RecordReload(ok bool) {
	outcome := "applied"
	if !ok {
		outcome = "rejected"
	}
	c.ReloadsTotal.WithLabelValues(outcome).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	c.NATSConnected.Set(boolGauge(connected))
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// DurationBuckets are shared by the latency histograms of the scheduler and
// the statistics recorder: 50µs to roughly 6.5s.
var DurationBuckets = prometheus.ExponentialBuckets(0.00005, 4, 9)

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
