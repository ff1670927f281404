package reaction

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Task is one data-bound execution of a reaction. It is owned by a single
// goroutine at a time: the submitter, then the queue, then the worker that
// runs it.
type Task struct {
	id       uint64
	reaction *Reaction
	priority int
	emitted  time.Time
	callback Callback
	stats    *Statistics
	released atomic.Bool
}

func newTask(r *Reaction, cause *Task, callback Callback) *Task {
	t := &Task{
		id:       taskIDs.Add(1),
		reaction: r,
		priority: r.options.Priority,
		emitted:  time.Now(),
		callback: callback,
	}
	t.stats = &Statistics{
		Identifier: r.identifier,
		ReactionID: r.id,
		TaskID:     t.id,
		Emitted:    t.emitted,
	}
	if cause != nil {
		t.stats.CauseReactionID = cause.reaction.id
		t.stats.CauseTaskID = cause.id
	}
	return t
}

// ID returns the process-unique task id.
func (t *Task) ID() uint64 { return t.id }

// Reaction returns the reaction that created the task.
func (t *Task) Reaction() *Reaction { return t.reaction }

// Priority is the reaction's priority at creation time.
func (t *Task) Priority() int { return t.priority }

// Emitted is the creation time.
func (t *Task) Emitted() time.Time { return t.emitted }

// Statistics returns the task's record. It is complete only after Run or
// Discard.
func (t *Task) Statistics() *Statistics { return t.stats }

// PanicError is recorded when a callback panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("reaction callback panicked: %v", e.Value)
}

// Run executes the callback and returns the finished statistics. Errors and
// panics are captured in the record and never propagate. Running a task a
// second time, or after Discard, does nothing.
func (t *Task) Run(ctx context.Context) *Statistics {
	if t.released.Load() {
		return t.stats
	}

	t.stats.Started = time.Now()
	err := t.invoke(WithTask(ctx, t))
	t.stats.Finished = time.Now()
	t.stats.Err = err

	t.release()
	return t.stats
}

func (t *Task) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.callback(ctx)
}

// Discard releases a task that will never run.
func (t *Task) Discard() {
	t.release()
}

// release runs the finish hook and drops the reaction's active count, once.
func (t *Task) release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	defer t.reaction.active.Add(-1)

	hook := t.reaction.finishHook()
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && t.stats.Err == nil {
			t.stats.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	hook(t)
}

// Less orders tasks for scheduling: higher priority first, then earlier
// emission, then lower id. A nil task is the shutdown sentinel and sorts
// after every real task.
func Less(a, b *Task) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.emitted.Equal(b.emitted) {
		return a.emitted.Before(b.emitted)
	}
	return a.id < b.id
}

type taskKey struct{}

// WithTask returns ctx carrying t as the current task.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// CurrentTask returns the task running in ctx, or nil outside a callback.
// Emitters use it as the cause of the tasks they create.
func CurrentTask(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}
