// Package plant is the in-process message bus. Reactions subscribe to a Go
// type with On and run whenever a value of that type is emitted.
package plant

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/c360/reactor/codec"
	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/reaction"
)

// KindValue is the binding kind holding the emitted value.
const KindValue reaction.Kind = "plant.value"

// Submitter accepts tasks for execution.
type Submitter interface {
	Submit(t *reaction.Task) error
}

// Deps holds the collaborators of a PowerPlant.
type Deps struct {
	Submitter Submitter
	Logger    *slog.Logger
}

// PowerPlant routes locally emitted values to reactions by type.
type PowerPlant struct {
	submitter Submitter
	logger    *slog.Logger

	// mu also serializes task creation so Single reactions are admitted
	// one at a time.
	mu     sync.Mutex
	routes map[reflect.Type][]*reaction.Reaction
}

// New creates a power plant.
func New(deps Deps) (*PowerPlant, error) {
	if deps.Submitter == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "PowerPlant", "New", "submitter is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PowerPlant{
		submitter: deps.Submitter,
		logger:    logger.With("component", "plant"),
		routes:    make(map[reflect.Type][]*reaction.Reaction),
	}, nil
}

func (p *PowerPlant) subscribe(t reflect.Type, r *reaction.Reaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[t] = append(p.routes[t], r)
}

// Remove unsubscribes r from every type and unbinds it.
func (p *PowerPlant) Remove(r *reaction.Reaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for t, routed := range p.routes {
		kept := routed[:0]
		for _, existing := range routed {
			if existing != r {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(p.routes, t)
		} else {
			p.routes[t] = kept
		}
	}
	r.Unbind()
}

// Publish delivers v to every admitted reaction subscribed to its dynamic
// type and returns the number of tasks submitted. The task running in ctx,
// if any, is recorded as their cause.
//
// Tasks are submitted after the subscription lock is released, so finish
// hooks of discarded tasks may publish again.
func (p *PowerPlant) Publish(ctx context.Context, v any) int {
	if v == nil {
		return 0
	}
	cause := reaction.CurrentTask(ctx)
	t := reflect.TypeOf(v)

	p.mu.Lock()
	routed := p.routes[t]
	tasks := make([]*reaction.Task, 0, len(routed))
	for _, r := range routed {
		if !r.Admit() {
			continue
		}
		task, err := r.Task(cause, reaction.NewBinding().With(KindValue, v))
		if err != nil {
			p.logger.Debug("Reaction declined value", "reaction", r.String(), "type", t.String(), "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	p.mu.Unlock()

	submitted := 0
	for _, task := range tasks {
		if err := p.submitter.Submit(task); err != nil {
			p.logger.Debug("Task submission failed", "reaction", task.Reaction().String(), "error", err)
			continue
		}
		submitted++
	}
	return submitted
}

// On subscribes fn to values of type T.
func On[T any](p *PowerPlant, label string, fn func(ctx context.Context, v T) error, opts reaction.Options) *reaction.Reaction {
	gen := func(b *reaction.Binding) (reaction.Callback, error) {
		v, err := reaction.Require[T](b, KindValue)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return fn(ctx, v)
		}, nil
	}

	r := reaction.New([]string{label, "local", codec.TypeName[T]()}, gen, opts)
	p.subscribe(reflect.TypeFor[T](), r)
	return r
}

// Emit publishes v to the reactions subscribed to T.
func Emit[T any](ctx context.Context, p *PowerPlant, v T) int {
	return p.Publish(ctx, v)
}
