// Package stats turns finished task statistics into records: it keeps the
// most recent ones in memory, exports Prometheus histograms, logs failures
// and fans records out to sinks (SQLite, NATS) on a small worker pool.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/health"
	"github.com/c360/reactor/metric"
	"github.com/c360/reactor/pkg/buffer"
	"github.com/c360/reactor/pkg/worker"
	"github.com/c360/reactor/reaction"
)

// Config controls the recorder.
type Config struct {
	Node      string
	Recent    int // records kept in memory
	Workers   int // sink workers
	QueueSize int // records waiting for sinks
}

// DefaultConfig keeps 1024 records and uses two sink workers.
func DefaultConfig() Config {
	return Config{Recent: 1024, Workers: 2, QueueSize: 4096}
}

// sinkTroubleWindow is how long a sink error or drop keeps Health degraded.
const sinkTroubleWindow = time.Minute

// Deps holds the collaborators of a Recorder.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Sinks           []Sink
}

// Recorder is a scheduler observer. Observe never blocks on sinks: when
// the sink queue is full the record is only kept in memory.
type Recorder struct {
	node    string
	logger  *slog.Logger
	metrics *recorderMetrics
	recent  buffer.Buffer[Record]
	sinks   []Sink
	pool    *worker.Pool[Record]

	observed  atomic.Int64
	failed    atomic.Int64
	sinkDrops atomic.Int64
	sinkErrs  atomic.Int64
	running   atomic.Bool

	// lastTrouble is the UnixNano time of the latest sink error or drop.
	lastTrouble   atomic.Int64
	troubleWindow time.Duration
}

// NewRecorder creates a recorder. Sinks receive records only after Start.
func NewRecorder(cfg Config, deps Deps) (*Recorder, error) {
	def := DefaultConfig()
	if cfg.Recent <= 0 {
		cfg.Recent = def.Recent
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newRecorderMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, err
	}

	recent, err := buffer.NewRing(cfg.Recent,
		buffer.WithOverflowPolicy[Record](buffer.DropOldest),
		buffer.WithMetrics[Record](deps.MetricsRegistry, "recent_stats"),
	)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		node:    cfg.Node,
		logger:  logger.With("component", "stats"),
		metrics: metrics,
		recent:  recent,
		sinks:   deps.Sinks,

		troubleWindow: sinkTroubleWindow,
	}

	r.pool, err = worker.NewPool(cfg.Workers, cfg.QueueSize, r.deliver,
		worker.WithMetricsRegistry[Record](deps.MetricsRegistry, "stats_sinks"))
	if err != nil {
		return nil, errors.WrapFatal(err, "Recorder", "NewRecorder", "sink pool")
	}
	return r, nil
}

// Observe records one finished task. Its signature matches
// scheduler.Observer.
func (r *Recorder) Observe(s *reaction.Statistics) {
	if s == nil {
		return
	}
	rec := NewRecord(r.node, s)

	r.observed.Add(1)
	_ = r.recent.Write(rec)
	r.metrics.observe(rec)

	if rec.Failed() {
		r.failed.Add(1)
		r.logger.Warn("Reaction task failed",
			"reaction", rec.Reaction,
			"reaction_id", rec.ReactionID,
			"task_id", rec.TaskID,
			"cause_task_id", rec.CauseTaskID,
			"error", rec.Error)
	}

	if len(r.sinks) == 0 || !r.running.Load() {
		return
	}
	if err := r.pool.Submit(rec); err != nil {
		r.sinkDrops.Add(1)
		r.lastTrouble.Store(time.Now().UnixNano())
		r.logger.Debug("Record not forwarded to sinks", "task_id", rec.TaskID, "error", err)
	}
}

func (r *Recorder) deliver(ctx context.Context, rec Record) error {
	var firstErr error
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, rec); err != nil {
			r.sinkErrs.Add(1)
			r.lastTrouble.Store(time.Now().UnixNano())
			r.metrics.sinkFailed(sink.Name())
			r.logger.Warn("Sink write failed", "sink", sink.Name(), "task_id", rec.TaskID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Start launches the sink workers.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.pool.Start(ctx); err != nil {
		return errors.WrapInvalid(err, "Recorder", "Start", "start sink pool")
	}
	r.running.Store(true)
	r.logger.Info("Statistics recorder started", "sinks", len(r.sinks))
	return nil
}

// Stop drains queued records into the sinks, waiting at most timeout.
func (r *Recorder) Stop(timeout time.Duration) error {
	r.running.Store(false)
	if err := r.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Recorder", "Stop", "drain sinks")
	}
	return nil
}

// Recent returns up to n of the newest records, newest first.
func (r *Recorder) Recent(n int) []Record {
	return r.recent.Last(n)
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Observed  int64 `json:"observed"`
	Failed    int64 `json:"failed"`
	Retained  int   `json:"retained"`
	SinkDrops int64 `json:"sink_drops"`
	SinkErrs  int64 `json:"sink_errors"`
}

// Stats returns the counters since the recorder was created.
func (r *Recorder) Stats() Stats {
	return Stats{
		Observed:  r.observed.Load(),
		Failed:    r.failed.Load(),
		Retained:  r.recent.Len(),
		SinkDrops: r.sinkDrops.Load(),
		SinkErrs:  r.sinkErrs.Load(),
	}
}

// Health is degraded for a minute after a sink fails or a record is
// dropped.
func (r *Recorder) Health() health.Status {
	s := r.Stats()
	msg := fmt.Sprintf("%d observed, %d failed", s.Observed, s.Failed)
	status := health.NewHealthy("stats", msg)
	if r.troubledSince(time.Now().Add(-r.troubleWindow)) {
		status = health.NewDegraded("stats",
			fmt.Sprintf("%s, %d sink errors, %d dropped", msg, s.SinkErrs, s.SinkDrops))
	}
	return status.WithMetrics(&health.Metrics{
		ErrorCount: int(s.Failed),
		Processed:  s.Observed,
	})
}

func (r *Recorder) troubledSince(t time.Time) bool {
	last := r.lastTrouble.Load()
	return last != 0 && last > t.UnixNano()
}
