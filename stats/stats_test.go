package stats

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reactor/metric"
	"github.com/c360/reactor/reaction"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (c *capturePublisher) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func finished(id uint64, name string, err error) *reaction.Statistics {
	emitted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &reaction.Statistics{
		Identifier:      []string{name, "local", "main.ping"},
		ReactionID:      7,
		TaskID:          id,
		CauseReactionID: 3,
		CauseTaskID:     id - 1,
		Emitted:         emitted,
		Started:         emitted.Add(2 * time.Millisecond),
		Finished:        emitted.Add(5 * time.Millisecond),
		Err:             err,
	}
}

func TestNewRecord(t *testing.T) {
	s := finished(10, "echo", stderrors.New("boom"))
	r := NewRecord("node-a", s)

	assert.Equal(t, "node-a", r.Node)
	assert.Equal(t, "echo", r.Reaction)
	assert.Equal(t, uint64(10), r.TaskID)
	assert.Equal(t, uint64(9), r.CauseTaskID)
	assert.Equal(t, int64(2*time.Millisecond), r.QueueLatencyNS)
	assert.Equal(t, int64(3*time.Millisecond), r.RunDurationNS)
	assert.Equal(t, "boom", r.Error)
	assert.Equal(t, "error", r.Outcome())

	s.Identifier[0] = "mutated"
	assert.Equal(t, "echo", r.Identifier[0], "identifier must be copied")
}

func TestRecordOutcome(t *testing.T) {
	assert.Equal(t, "ok", NewRecord("n", finished(2, "a", nil)).Outcome())
	assert.Equal(t, "discarded", NewRecord("n", &reaction.Statistics{TaskID: 1}).Outcome())
	assert.Equal(t, "anonymous", NewRecord("n", &reaction.Statistics{}).Reaction)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "reactor.robot-1.stats", Subject("robot-1", "stats"))
	assert.Equal(t, "reactor.a_b_c.peers", Subject("a.b*c", "peers"))
}

func TestRecorderKeepsRecentNewestFirst(t *testing.T) {
	r, err := NewRecorder(Config{Node: "n", Recent: 3}, Deps{})
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		r.Observe(finished(i, "a", nil))
	}
	r.Observe(nil)

	recent := r.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, []uint64{5, 4, 3}, []uint64{recent[0].TaskID, recent[1].TaskID, recent[2].TaskID})
	assert.Equal(t, int64(5), r.Stats().Observed)
	assert.Equal(t, 3, r.Stats().Retained)
}

func TestRecorderFansOutToSinks(t *testing.T) {
	sink := &memorySink{}
	pub := &capturePublisher{}
	r, err := NewRecorder(Config{Node: "robot-1"}, Deps{Sinks: []Sink{sink, NewNATSSink(pub, "robot-1")}})
	require.NoError(t, err)

	r.Observe(finished(1, "before-start", nil))
	require.NoError(t, r.Start(context.Background()))
	for i := uint64(2); i <= 4; i++ {
		r.Observe(finished(i, "a", nil))
	}
	require.NoError(t, r.Stop(time.Second))

	assert.Equal(t, 3, sink.len(), "records observed before Start stay local")
	require.Len(t, pub.subjects, 3)
	assert.Equal(t, "reactor.robot-1.stats", pub.subjects[0])

	var decoded Record
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "robot-1", decoded.Node)
	assert.Equal(t, "a", decoded.Reaction)
}

func TestRecorderSinkFailureDegradesHealth(t *testing.T) {
	sink := &memorySink{err: stderrors.New("disk full")}
	registry := metric.NewMetricsRegistry()
	r, err := NewRecorder(Config{}, Deps{Sinks: []Sink{sink}, MetricsRegistry: registry})
	require.NoError(t, err)
	require.True(t, r.Health().IsHealthy())

	require.NoError(t, r.Start(context.Background()))
	r.Observe(finished(1, "a", nil))
	require.NoError(t, r.Stop(time.Second))

	assert.Equal(t, int64(1), r.Stats().SinkErrs)
	assert.True(t, r.Health().IsDegraded())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sinkErrors.WithLabelValues("memory")))
}

func TestRecorderHealthRecoversAfterWindow(t *testing.T) {
	sink := &memorySink{err: stderrors.New("disk full")}
	r, err := NewRecorder(Config{}, Deps{Sinks: []Sink{sink}})
	require.NoError(t, err)
	r.troubleWindow = 50 * time.Millisecond

	require.NoError(t, r.Start(context.Background()))
	r.Observe(finished(1, "a", nil))
	require.NoError(t, r.Stop(time.Second))
	require.True(t, r.Health().IsDegraded())

	require.Eventually(t, func() bool { return r.Health().IsHealthy() }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), r.Stats().SinkErrs, "counters are cumulative")
}

func TestRecorderMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	r, err := NewRecorder(Config{}, Deps{MetricsRegistry: registry})
	require.NoError(t, err)

	r.Observe(finished(1, "a", nil))
	r.Observe(finished(2, "a", stderrors.New("x")))
	r.Observe(&reaction.Statistics{Identifier: []string{"a"}, TaskID: 3})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.tasks.WithLabelValues("a", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.tasks.WithLabelValues("a", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.tasks.WithLabelValues("a", "discarded")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.metrics.runDuration))
	assert.Equal(t, int64(1), r.Stats().Failed)

	_, err = NewRecorder(Config{}, Deps{MetricsRegistry: registry})
	assert.Error(t, err, "second recorder on one registry collides")
}

func TestNATSSinkPublishError(t *testing.T) {
	pub := &capturePublisher{err: stderrors.New("not connected")}
	sink := NewNATSSink(pub, "n")

	err := sink.Write(context.Background(), NewRecord("n", finished(1, "a", nil)))
	assert.Error(t, err)
	assert.Equal(t, "reactor.n.stats", sink.Subject())
	assert.Equal(t, "nats", sink.Name())
}
