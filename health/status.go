// Package health tracks the health of the scheduler, the network controller
// and the optional sinks, and aggregates them into one status for the
// /health endpoint.
package health

import (
	"regexp"
	"time"
)

// Status values
const (
	StateHealthy   = "healthy"
	StateUnhealthy = "unhealthy"
	StateDegraded  = "degraded"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related counters
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	Processed    int64         `json:"processed,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// Reporter is implemented by components that can describe their health.
type Reporter interface {
	Health() Status
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithError returns a copy marked unhealthy with a sanitized error message.
func (s Status) WithError(err error) Status {
	if err == nil {
		return s
	}
	s.Healthy = false
	s.Status = StateUnhealthy
	s.Message = sanitize(err.Error())
	return s
}

// sanitize strips connection URLs and credentials from error text before it
// is served over HTTP.
func sanitize(msg string) string {
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
}
