package health

import (
	"sort"
	"sync"
	"time"
)

// Monitor tracks health of multiple components in a thread-safe manner.
// Statuses are either pushed with Update or pulled from Reporters on
// Refresh.
type Monitor struct {
	mu        sync.RWMutex
	statuses  map[string]Status
	reporters map[string]Reporter
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses:  make(map[string]Status),
		reporters: make(map[string]Reporter),
	}
}

// Track registers a reporter polled by Refresh.
func (m *Monitor) Track(name string, r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters[name] = r
}

// Refresh polls every tracked reporter and stores the result.
func (m *Monitor) Refresh() {
	m.mu.RLock()
	reporters := make(map[string]Reporter, len(m.reporters))
	for name, r := range m.reporters {
		reporters[name] = r
	}
	m.mu.RUnlock()

	for name, r := range reporters {
		m.Update(name, r.Health())
	}
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy is a convenience method to update a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy is a convenience method to update a component as unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
	delete(m.reporters, name)
}

// AggregateHealth refreshes the tracked reporters and returns the
// aggregated status, with sub-statuses sorted by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.Refresh()

	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	sort.Slice(subStatuses, func(i, j int) bool {
		return subStatuses[i].Component < subStatuses[j].Component
	})
	return Aggregate(systemName, subStatuses)
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}
