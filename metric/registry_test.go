package metric

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/health"
)

func gathered(t *testing.T, r *MetricsRegistry, name string) bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestNewMetricsRegistry_CoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().RecordComponentStatus("scheduler", StatusRunning)
	registry.CoreMetrics().RecordError("network", "invalid")

	assert.True(t, gathered(t, registry, "reactor_component_status"))
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().ErrorsTotal.WithLabelValues("network", "invalid")))
}

func TestMetricsRegistry_RegisterTypes(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterCounter("svc", "c", prometheus.NewCounter(prometheus.CounterOpts{Name: "t_counter", Help: "h"})))
	require.NoError(t, registry.RegisterGauge("svc", "g", prometheus.NewGauge(prometheus.GaugeOpts{Name: "t_gauge", Help: "h"})))
	require.NoError(t, registry.RegisterHistogram("svc", "h", prometheus.NewHistogram(prometheus.HistogramOpts{Name: "t_hist", Help: "h"})))

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_cv", Help: "h"}, []string{"l"})
	require.NoError(t, registry.RegisterCounterVec("svc", "cv", cv))
	cv.WithLabelValues("x").Inc()

	assert.True(t, gathered(t, registry, "t_counter"))
	assert.True(t, gathered(t, registry, "t_cv"))
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})
	require.NoError(t, registry.RegisterCounter("svc", "dup", first))

	err := registry.RegisterCounter("svc", "dup", prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_other", Help: "h"}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = registry.RegisterCounter("other", "dup", prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "prometheus name conflict should be invalid")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gone", Help: "h"})
	require.NoError(t, registry.RegisterGauge("svc", "gone", gauge))

	assert.True(t, registry.Unregister("svc", "gone"))
	assert.False(t, registry.Unregister("svc", "gone"))
	require.NoError(t, registry.RegisterGauge("svc", "gone", gauge), "metric can be registered again")
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("conc_%d", i)
			assert.NoError(t, registry.RegisterCounter("svc", name, prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "h"})))
		}(i)
	}
	wg.Wait()
}

func startServer(t *testing.T, monitor *health.Monitor) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", "", NewMetricsRegistry(), monitor)
	go func() { _ = srv.Start() }()
	require.Eventually(t, func() bool {
		return !strings.HasSuffix(srv.Addr(), ":0")
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	monitor := health.NewMonitor()
	monitor.UpdateHealthy("scheduler", "4 workers")
	srv := startServer(t, monitor)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.IsHealthy())
	require.Len(t, status.SubStatuses, 1)
	assert.Equal(t, "scheduler", status.SubStatuses[0].Component)
}

func TestServer_UnhealthyReturns503(t *testing.T) {
	monitor := health.NewMonitor()
	monitor.UpdateUnhealthy("network", "listener closed")
	srv := startServer(t, monitor)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv := startServer(t, nil)
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}
