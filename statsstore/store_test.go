package statsstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/reaction"
	"github.com/c360/reactor/stats"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "stats.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(node string, task uint64, reaction, errText string, finished time.Time) stats.Record {
	return stats.Record{
		Node:            node,
		Reaction:        reaction,
		Identifier:      []string{reaction, "network", "main.ping"},
		ReactionID:      2,
		TaskID:          task,
		CauseReactionID: 1,
		CauseTaskID:     task - 1,
		Emitted:         finished.Add(-3 * time.Millisecond),
		Started:         finished.Add(-time.Millisecond),
		Finished:        finished,
		QueueLatencyNS:  int64(2 * time.Millisecond),
		RunDurationNS:   int64(time.Millisecond),
		Error:           errText,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", Options{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestWriteAndFind(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	now := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

	require.NoError(t, s.Write(ctx, record("robot-1", 10, "ping", "", now)))
	require.NoError(t, s.Write(ctx, record("robot-1", 11, "ping", "timeout", now)))
	require.NoError(t, s.Write(ctx, record("robot-2", 12, "pong", "", now)))

	all, err := s.Find(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(12), all[0].TaskID, "newest task first")

	got, err := s.Find(ctx, Query{Node: "robot-1", FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	r := got[0]
	assert.Equal(t, uint64(11), r.TaskID)
	assert.Equal(t, "timeout", r.Error)
	assert.Equal(t, []string{"ping", "network", "main.ping"}, r.Identifier)
	assert.Equal(t, uint64(10), r.CauseTaskID)
	assert.True(t, r.Finished.Equal(now))
	assert.Equal(t, int64(time.Millisecond), r.RunDurationNS)

	limited, err := s.Find(ctx, Query{Reaction: "ping", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(11), limited[0].TaskID)
}

func TestWriteReplacesSameTask(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	now := time.Now()

	require.NoError(t, s.Write(ctx, record("n", 1, "a", "first", now)))
	require.NoError(t, s.Write(ctx, record("n", 1, "a", "", now)))

	got, err := s.Find(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Error)
}

func TestDiscardedRecordHasNoTimes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	require.NoError(t, s.Write(ctx, stats.Record{Node: "n", Reaction: "a", TaskID: 5, Emitted: time.Now()}))

	got, err := s.Find(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Started.IsZero())
	assert.True(t, got[0].Finished.IsZero())
	assert.Equal(t, "discarded", got[0].Outcome())
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	now := time.Now()

	slow := record("n", 3, "b", "", now)
	slow.RunDurationNS = int64(3 * time.Millisecond)

	require.NoError(t, s.Write(ctx, record("n", 1, "a", "", now)))
	require.NoError(t, s.Write(ctx, record("n", 2, "b", "x", now)))
	require.NoError(t, s.Write(ctx, slow))

	sums, err := s.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)

	assert.Equal(t, "a", sums[0].Reaction)
	assert.Equal(t, int64(1), sums[0].Tasks)
	assert.Equal(t, int64(0), sums[0].Failures)

	assert.Equal(t, "b", sums[1].Reaction)
	assert.Equal(t, int64(2), sums[1].Tasks)
	assert.Equal(t, int64(1), sums[1].Failures)
	assert.Equal(t, 2*time.Millisecond, sums[1].AvgRun)
	assert.Equal(t, 3*time.Millisecond, sums[1].MaxRun)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{Retention: time.Hour})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(ctx, record("n", 1, "a", "", now.Add(-2*time.Hour))))
	require.NoError(t, s.Write(ctx, record("n", 2, "a", "", now.Add(-time.Minute))))
	require.NoError(t, s.Write(ctx, stats.Record{Node: "n", Reaction: "a", TaskID: 3, Emitted: now.Add(-3 * time.Hour)}))

	removed, err := s.Prune(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := s.Find(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, left, 2, "unfinished rows are kept")
}

func TestPruneWithoutRetention(t *testing.T) {
	s := openTestStore(t, Options{})
	removed, err := s.Prune(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStoreAsRecorderSink(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	assert.Equal(t, "sqlite", s.Name())

	rec, err := stats.NewRecorder(stats.Config{Node: "n"}, stats.Deps{Sinks: []stats.Sink{s}})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx))
	for i := 0; i < 10; i++ {
		rec.Observe(statsFixture(uint64(i + 1)))
	}
	require.NoError(t, rec.Stop(5*time.Second))

	got, err := s.Find(ctx, Query{Node: "n"})
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestIsContention(t *testing.T) {
	assert.False(t, isContention(assert.AnError))
	assert.True(t, isContention(errString("database is locked (5) (SQLITE_BUSY)")))
}

type errString string

func (e errString) Error() string { return string(e) }

func statsFixture(task uint64) *reaction.Statistics {
	now := time.Now()
	return &reaction.Statistics{
		Identifier: []string{"fixture"},
		ReactionID: 1,
		TaskID:     task,
		Emitted:    now.Add(-2 * time.Millisecond),
		Started:    now.Add(-time.Millisecond),
		Finished:   now,
	}
}
