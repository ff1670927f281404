// Package reaction models persistent subscriptions (reactions) and the
// one-shot tasks they produce.
//
// A Reaction owns a Generator. Each time data arrives for it, a submitter
// calls Task with a Binding holding that data; the generator resolves what
// it needs from the binding and returns the callback to run. Every task
// carries its own id, the ids of the task that caused it, and a Statistics
// record filled in when it runs.
package reaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/reactor/errors"
)

// Priorities used by reactions. Higher runs first.
const (
	PriorityLowest   = 0
	PriorityLow      = 250
	PriorityDefault  = 500
	PriorityHigh     = 750
	PriorityRealtime = 1000
)

var (
	reactionIDs atomic.Uint64
	taskIDs     atomic.Uint64
)

// Callback is the bound work of a single task.
type Callback func(ctx context.Context) error

// Generator builds the callback for one task from the current binding.
// It returns an error wrapping ErrNoBinding when the data it needs is absent.
type Generator func(b *Binding) (Callback, error)

// Options are fixed when the reaction is created.
type Options struct {
	Priority int
	// Single forbids running two tasks of this reaction at the same time.
	// Submitters enforce it through Admit.
	Single bool
}

// DefaultOptions returns default priority, concurrent execution allowed.
func DefaultOptions() Options {
	return Options{Priority: PriorityDefault}
}

// Reaction is a subscription that can produce tasks.
type Reaction struct {
	id         uint64
	identifier []string
	options    Options
	generator  Generator

	enabled atomic.Bool
	unbound atomic.Bool
	active  atomic.Int64

	hookMu   sync.RWMutex
	onFinish func(*Task)
}

// New creates an enabled reaction. It panics if gen is nil.
func New(identifier []string, gen Generator, opts Options) *Reaction {
	if gen == nil {
		panic("reaction: nil generator")
	}
	r := &Reaction{
		id:         reactionIDs.Add(1),
		identifier: append([]string(nil), identifier...),
		options:    opts,
		generator:  gen,
	}
	r.enabled.Store(true)
	return r
}

// ID returns the process-unique reaction id.
func (r *Reaction) ID() uint64 { return r.id }

// Identifier returns the debugging labels given at creation.
func (r *Reaction) Identifier() []string { return append([]string(nil), r.identifier...) }

// Options returns the scheduling options.
func (r *Reaction) Options() Options { return r.options }

// String is used in logs.
func (r *Reaction) String() string {
	return fmt.Sprintf("reaction#%d%v", r.id, r.identifier)
}

// IsEnabled reports whether new tasks may be created.
func (r *Reaction) IsEnabled() bool { return r.enabled.Load() }

// Enable allows new tasks to be created.
func (r *Reaction) Enable() { r.enabled.Store(true) }

// Disable stops new tasks from being created. Tasks already created still
// run.
func (r *Reaction) Disable() { r.enabled.Store(false) }

// Unbind permanently invalidates task creation.
func (r *Reaction) Unbind() {
	r.unbound.Store(true)
	r.enabled.Store(false)
}

// IsUnbound reports whether Unbind was called.
func (r *Reaction) IsUnbound() bool { return r.unbound.Load() }

// ActiveTasks returns the number of tasks created and not yet released.
func (r *Reaction) ActiveTasks() int64 { return r.active.Load() }

// OnFinish sets the hook called once for every task of this reaction after
// it has run or been discarded.
func (r *Reaction) OnFinish(hook func(*Task)) {
	r.hookMu.Lock()
	r.onFinish = hook
	r.hookMu.Unlock()
}

// Admit reports whether a submitter may create a task now: the reaction is
// enabled and, for Single reactions, no task of it is active.
func (r *Reaction) Admit() bool {
	if !r.IsEnabled() || r.IsUnbound() {
		return false
	}
	return !r.options.Single || r.active.Load() == 0
}

// Task creates a task bound to the data in b. cause is the task whose
// execution led to this one, or nil. On error no task exists and the
// active count is unchanged.
func (r *Reaction) Task(cause *Task, b *Binding) (*Task, error) {
	if r.IsUnbound() {
		return nil, errors.ErrUnbound
	}

	callback, err := r.generator(b)
	if err != nil {
		return nil, err
	}
	if callback == nil {
		return nil, fmt.Errorf("%w: generator returned no callback", errors.ErrNoBinding)
	}

	r.active.Add(1)
	return newTask(r, cause, callback), nil
}

func (r *Reaction) finishHook() func(*Task) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return r.onFinish
}
