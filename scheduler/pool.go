// Package scheduler runs reaction tasks on a fixed pool of workers that
// share one priority queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/health"
	"github.com/c360/reactor/metric"
	"github.com/c360/reactor/reaction"
)

// Observer receives the statistics of every finished task. It is called on
// the worker goroutine and must not block for long.
type Observer func(*reaction.Statistics)

// Config sizes the pool.
type Config struct {
	Workers int
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU()}
}

// Deps holds the collaborators of a Pool.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Pool executes tasks from a shared Queue. Tasks may be submitted before
// Start; they run once workers exist.
type Pool struct {
	workers int
	queue   *Queue
	logger  *slog.Logger
	metrics *poolMetrics

	observersMu sync.RWMutex
	observers   []Observer

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	startedAt   time.Time
	wg          sync.WaitGroup
	closeOnce   sync.Once
	stopAfter   func() bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
	busy      atomic.Int64
}

// NewPool creates a pool that is not yet running.
func NewPool(cfg Config, deps Deps) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newPoolMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, err
	}

	return &Pool{
		workers: cfg.Workers,
		queue:   NewQueue(),
		logger:  logger.With("component", "scheduler"),
		metrics: metrics,
	}, nil
}

// AddObserver registers fn to receive finished statistics.
func (p *Pool) AddObserver(fn Observer) {
	if fn == nil {
		return
	}
	p.observersMu.Lock()
	p.observers = append(p.observers, fn)
	p.observersMu.Unlock()
}

// Submit enqueues a task. If the pool is shut down the task is discarded
// and ErrQueueClosed is returned.
func (p *Pool) Submit(t *reaction.Task) error {
	if err := p.queue.Push(t); err != nil {
		if t != nil {
			p.discard(t)
		}
		return err
	}

	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(p.queue.Len()))
	}
	return nil
}

// Start launches the workers. Cancelling ctx shuts the queue down as Stop
// would, without waiting.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.ErrAlreadyStarted
	}
	if p.stopped {
		return errors.ErrShuttingDown
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.stopAfter = context.AfterFunc(ctx, p.shutdownQueue)

	p.started = true
	p.startedAt = time.Now()
	p.logger.Info("Scheduler started", "workers", p.workers)
	return nil
}

// Stop closes the queue, discards tasks that never ran and waits up to
// timeout for running tasks to finish.
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true
	if p.stopAfter != nil {
		p.stopAfter()
	}
	p.shutdownQueue()

	if !p.started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("Scheduler stopped",
			"completed", p.completed.Load(),
			"failed", p.failed.Load(),
			"discarded", p.discarded.Load())
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrStopTimeout, "Pool", "Stop",
			fmt.Sprintf("waiting for %d busy workers", p.busy.Load()))
	}
}

func (p *Pool) shutdownQueue() {
	p.closeOnce.Do(func() {
		for _, t := range p.queue.Close() {
			p.discard(t)
		}
	})
}

func (p *Pool) discard(t *reaction.Task) {
	t.Discard()
	p.discarded.Add(1)
	if p.metrics != nil {
		p.metrics.discarded.Inc()
	}
}

func (p *Pool) worker(ctx context.Context, _ int) {
	defer p.wg.Done()

	for {
		task, ok := p.queue.Take()
		if !ok {
			return
		}
		p.execute(ctx, task)
	}
}

func (p *Pool) execute(ctx context.Context, task *reaction.Task) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busyWorkers.Inc()
		p.metrics.queueDepth.Set(float64(p.queue.Len()))
	}

	stats := task.Run(ctx)

	p.busy.Add(-1)
	p.completed.Add(1)
	outcome := "success"
	if stats.Failed() {
		outcome = "error"
		p.failed.Add(1)
		p.logger.Debug("Reaction task failed",
			"reaction", task.Reaction().String(),
			"task_id", stats.TaskID,
			"class", errors.Classify(stats.Err).String(),
			"error", stats.Err)
	}
	if p.metrics != nil {
		p.metrics.busyWorkers.Dec()
		p.metrics.completed.WithLabelValues(outcome).Inc()
		p.metrics.queueLatency.Observe(stats.QueueLatency().Seconds())
		p.metrics.runDuration.Observe(stats.RunDuration().Seconds())
	}

	p.notify(stats)
}

func (p *Pool) notify(stats *reaction.Statistics) {
	p.observersMu.RLock()
	observers := p.observers
	p.observersMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Statistics observer panicked", "panic", r, "task_id", stats.TaskID)
				}
			}()
			fn(stats)
		}()
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Discarded  int64 `json:"discarded"`
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: p.queue.Len(),
		Busy:       p.busy.Load(),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Discarded:  p.discarded.Load(),
	}
}

// Health implements health.Reporter.
func (p *Pool) Health() health.Status {
	p.lifecycleMu.Lock()
	started, stopped, startedAt := p.started, p.stopped, p.startedAt
	p.lifecycleMu.Unlock()

	switch {
	case stopped || p.queue.Closed():
		return health.NewUnhealthy("scheduler", "stopped")
	case !started:
		return health.NewUnhealthy("scheduler", "not started")
	}

	s := p.Stats()
	status := health.NewHealthy("scheduler", fmt.Sprintf("%d workers, %d queued", s.Workers, s.QueueDepth))
	return status.WithMetrics(&health.Metrics{
		Uptime:     time.Since(startedAt),
		ErrorCount: int(s.Failed),
		Processed:  s.Completed,
	})
}
