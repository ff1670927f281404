package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reactor/metric"
)

type job struct {
	id   int
	fail bool
}

func newTestPool(t *testing.T, workers, queue int, fn Processor[job], opts ...Option[job]) *Pool[job] {
	t.Helper()
	p, err := NewPool(workers, queue, fn, opts...)
	require.NoError(t, err)
	return p
}

func TestNewPoolDefaults(t *testing.T) {
	p := newTestPool(t, 0, 0, func(context.Context, job) error { return nil })
	s := p.Stats()
	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, 256, s.QueueSize)
}

func TestNewPoolNilProcessorPanics(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		_, _ = NewPool[job](1, 1, nil)
	})
}

func TestPoolLifecycleErrors(t *testing.T) {
	p := newTestPool(t, 1, 4, func(context.Context, job) error { return nil })

	assert.ErrorIs(t, p.Submit(job{}), ErrPoolNotStarted)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Submit(job{}), ErrPoolStopped)
	assert.NoError(t, p.Stop(time.Second), "second stop is a no-op")
}

func TestPoolProcessesAndDrainsOnStop(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	p := newTestPool(t, 2, 64, func(_ context.Context, j job) error {
		mu.Lock()
		seen = append(seen, j.id)
		mu.Unlock()
		if j.fail {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(job{id: i, fail: i%5 == 0}))
	}
	require.NoError(t, p.Stop(5*time.Second))

	mu.Lock()
	assert.Len(t, seen, 20)
	mu.Unlock()

	s := p.Stats()
	assert.Equal(t, int64(20), s.Submitted)
	assert.Equal(t, int64(20), s.Processed)
	assert.Equal(t, int64(4), s.Failed)
}

func TestPoolQueueFull(t *testing.T) {
	release := make(chan struct{})
	p := newTestPool(t, 1, 1, func(context.Context, job) error {
		<-release
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, p.Submit(job{id: 1}))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Submit(job{id: 2}))
	assert.ErrorIs(t, p.Submit(job{id: 3}), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestPoolRecoversProcessorPanic(t *testing.T) {
	var ran atomic.Int32
	p := newTestPool(t, 1, 4, func(_ context.Context, j job) error {
		ran.Add(1)
		if j.id == 0 {
			panic("bad job")
		}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(job{id: 0}))
	require.NoError(t, p.Submit(job{id: 1}))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int32(2), ran.Load())
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPoolStopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := newTestPool(t, 1, 1, func(context.Context, job) error {
		<-release
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(job{}))

	assert.ErrorIs(t, p.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPoolContextCancelStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newTestPool(t, 2, 4, func(context.Context, job) error { return nil })
	require.NoError(t, p.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit on cancel")
	}
}

func TestPoolMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	p := newTestPool(t, 1, 4, func(context.Context, job) error { return nil },
		WithMetricsRegistry[job](registry, "sinks"))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(job{}))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.submitted))
	assert.Equal(t, 1, testutil.CollectAndCount(p.metrics.processed))

	_, err := NewPool(1, 1, func(context.Context, job) error { return nil },
		WithMetricsRegistry[job](registry, "sinks"))
	assert.Error(t, err)
}
