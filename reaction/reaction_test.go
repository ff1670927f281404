package reaction

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reactor/errors"
)

func noop(*Binding) (Callback, error) {
	return func(context.Context) error { return nil }, nil
}

func needsPayload(b *Binding) (Callback, error) {
	payload, err := Require[[]byte](b, "payload")
	if err != nil {
		return nil, err
	}
	return func(context.Context) error {
		if len(payload) == 0 {
			return stderrors.New("empty payload")
		}
		return nil
	}, nil
}

func TestReactionIDsIncrease(t *testing.T) {
	a := New([]string{"a"}, noop, DefaultOptions())
	b := New([]string{"b"}, noop, DefaultOptions())
	assert.Greater(t, b.ID(), a.ID())

	t1, err := a.Task(nil, nil)
	require.NoError(t, err)
	t2, err := b.Task(nil, nil)
	require.NoError(t, err)
	assert.Greater(t, t2.ID(), t1.ID())
}

func TestTaskIDsUniqueUnderConcurrency(t *testing.T) {
	r := New([]string{"concurrent"}, noop, DefaultOptions())

	const goroutines, perGoroutine = 8, 200
	ids := make(chan uint64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for j := 0; j < perGoroutine; j++ {
				task, err := r.Task(nil, nil)
				if !assert.NoError(t, err) {
					return
				}
				assert.Greater(t, task.ID(), last)
				last = task.ID()
				ids <- task.ID()
				task.Discard()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate task id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
	assert.Zero(t, r.ActiveTasks())
}

func TestActiveTaskAccounting(t *testing.T) {
	r := New([]string{"count"}, noop, DefaultOptions())

	tasks := make([]*Task, 3)
	for i := range tasks {
		task, err := r.Task(nil, nil)
		require.NoError(t, err)
		tasks[i] = task
	}
	assert.Equal(t, int64(3), r.ActiveTasks())

	tasks[0].Run(context.Background())
	assert.Equal(t, int64(2), r.ActiveTasks())

	tasks[1].Discard()
	tasks[1].Discard()
	assert.Equal(t, int64(1), r.ActiveTasks())

	// running a discarded task must not release it again
	stats := tasks[1].Run(context.Background())
	assert.False(t, stats.Ran())
	assert.Equal(t, int64(1), r.ActiveTasks())

	tasks[2].Run(context.Background())
	tasks[2].Run(context.Background())
	assert.Zero(t, r.ActiveTasks())
}

func TestTaskFailsWithoutBinding(t *testing.T) {
	r := New([]string{"payload"}, needsPayload, DefaultOptions())

	task, err := r.Task(nil, NewBinding())
	assert.Nil(t, task)
	assert.ErrorIs(t, err, errors.ErrNoBinding)
	assert.Zero(t, r.ActiveTasks())

	_, err = r.Task(nil, NewBinding().With("payload", "not bytes"))
	assert.ErrorIs(t, err, errors.ErrNoBinding)

	task, err = r.Task(nil, NewBinding().With("payload", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ActiveTasks())
	assert.NoError(t, task.Run(context.Background()).Err)
}

func TestBindingDoesNotLeakBetweenTasks(t *testing.T) {
	r := New([]string{"payload"}, needsPayload, DefaultOptions())

	_, err := r.Task(nil, NewBinding().With("payload", []byte("first")))
	require.NoError(t, err)

	_, err = r.Task(nil, nil)
	assert.ErrorIs(t, err, errors.ErrNoBinding)
}

func TestUnbind(t *testing.T) {
	r := New([]string{"gone"}, noop, DefaultOptions())
	r.Unbind()

	_, err := r.Task(nil, nil)
	assert.ErrorIs(t, err, errors.ErrUnbound)
	assert.False(t, r.Admit())
	assert.Zero(t, r.ActiveTasks())
}

func TestDisableKeepsCreatedTasks(t *testing.T) {
	ran := false
	r := New([]string{"toggle"}, func(*Binding) (Callback, error) {
		return func(context.Context) error { ran = true; return nil }, nil
	}, DefaultOptions())

	task, err := r.Task(nil, nil)
	require.NoError(t, err)

	r.Disable()
	assert.False(t, r.IsEnabled())
	assert.False(t, r.Admit())

	task.Run(context.Background())
	assert.True(t, ran)

	r.Enable()
	assert.True(t, r.Admit())
}

func TestSingleAdmit(t *testing.T) {
	r := New([]string{"single"}, noop, Options{Priority: PriorityHigh, Single: true})
	assert.True(t, r.Admit())

	task, err := r.Task(nil, nil)
	require.NoError(t, err)
	assert.False(t, r.Admit())

	task.Run(context.Background())
	assert.True(t, r.Admit())
}

func TestRunRecordsStatistics(t *testing.T) {
	cause := New([]string{"cause"}, noop, DefaultOptions())
	causeTask, err := cause.Task(nil, nil)
	require.NoError(t, err)

	var inside *Task
	r := New([]string{"effect", "handler"}, func(*Binding) (Callback, error) {
		return func(ctx context.Context) error {
			inside = CurrentTask(ctx)
			time.Sleep(time.Millisecond)
			return nil
		}, nil
	}, DefaultOptions())

	task, err := r.Task(causeTask, nil)
	require.NoError(t, err)
	assert.Equal(t, PriorityDefault, task.Priority())

	before := task.Statistics()
	assert.False(t, before.Ran())
	assert.Zero(t, before.RunDuration())

	stats := task.Run(context.Background())
	assert.Same(t, task, inside)
	assert.Equal(t, []string{"effect", "handler"}, stats.Identifier)
	assert.Equal(t, r.ID(), stats.ReactionID)
	assert.Equal(t, task.ID(), stats.TaskID)
	assert.Equal(t, cause.ID(), stats.CauseReactionID)
	assert.Equal(t, causeTask.ID(), stats.CauseTaskID)
	assert.False(t, stats.Started.Before(stats.Emitted))
	assert.False(t, stats.Finished.Before(stats.Started))
	assert.GreaterOrEqual(t, stats.RunDuration(), time.Millisecond)
	assert.False(t, stats.Failed())
	assert.Empty(t, stats.ErrorString())

	assert.Nil(t, CurrentTask(context.Background()))
}

func TestRunCapturesErrorsAndPanics(t *testing.T) {
	boom := stderrors.New("boom")
	failing := New([]string{"failing"}, func(*Binding) (Callback, error) {
		return func(context.Context) error { return boom }, nil
	}, DefaultOptions())
	panicking := New([]string{"panicking"}, func(*Binding) (Callback, error) {
		return func(context.Context) error { panic("kaboom") }, nil
	}, DefaultOptions())

	task, err := failing.Task(nil, nil)
	require.NoError(t, err)
	stats := task.Run(context.Background())
	assert.ErrorIs(t, stats.Err, boom)
	assert.True(t, stats.Failed())
	assert.Zero(t, failing.ActiveTasks())

	task, err = panicking.Task(nil, nil)
	require.NoError(t, err)
	stats = task.Run(context.Background())
	var pe *PanicError
	require.ErrorAs(t, stats.Err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Zero(t, panicking.ActiveTasks())
}

func TestFinishHookRunsOnce(t *testing.T) {
	r := New([]string{"hooked"}, noop, DefaultOptions())

	var mu sync.Mutex
	finished := map[uint64]int{}
	r.OnFinish(func(task *Task) {
		mu.Lock()
		finished[task.ID()]++
		mu.Unlock()
	})

	ran, err := r.Task(nil, nil)
	require.NoError(t, err)
	dropped, err := r.Task(nil, nil)
	require.NoError(t, err)

	ran.Run(context.Background())
	ran.Run(context.Background())
	dropped.Discard()
	dropped.Discard()

	assert.Equal(t, map[uint64]int{ran.ID(): 1, dropped.ID(): 1}, finished)
	assert.False(t, dropped.Statistics().Ran())
	assert.True(t, dropped.Statistics().Finished.IsZero())
}

func TestLessOrdering(t *testing.T) {
	high := New([]string{"high"}, noop, Options{Priority: PriorityHigh})
	low := New([]string{"low"}, noop, Options{Priority: PriorityLow})

	first, err := low.Task(nil, nil)
	require.NoError(t, err)
	second, err := high.Task(nil, nil)
	require.NoError(t, err)
	third, err := high.Task(nil, nil)
	require.NoError(t, err)

	assert.True(t, Less(second, first), "higher priority first")
	assert.False(t, Less(first, second))
	assert.True(t, Less(second, third), "earlier task first at equal priority")
	assert.False(t, Less(third, second))
	assert.False(t, Less(second, second))

	assert.True(t, Less(first, nil), "sentinel sorts last")
	assert.False(t, Less(nil, first))
	assert.False(t, Less(nil, nil))
}

func TestRequire(t *testing.T) {
	b := NewBinding().With("count", 3)

	n, err := Require[int](b, "count")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = Require[string](b, "count")
	assert.ErrorIs(t, err, errors.ErrNoBinding)

	_, err = Require[int](nil, "count")
	assert.ErrorIs(t, err, errors.ErrNoBinding)
}

func TestNewPanicsOnNilGenerator(t *testing.T) {
	assert.Panics(t, func() { New(nil, nil, DefaultOptions()) })
}
