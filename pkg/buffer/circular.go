package buffer

import (
	"sync"

	"github.com/c360/reactor/errors"
)

type ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write
	tail     int // next read
	closed   bool
	stats    *Statistics
	metrics  *ringMetrics
	opts     *ringOptions[T]
}

func newRing[T any](capacity int, opts *ringOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var m *ringMetrics
	if opts.registry != nil {
		var err error
		m, err = newRingMetrics(opts.registry, opts.name)
		if err != nil {
			return nil, errors.WrapFatal(err, "Ring", "newRing", "metrics registration")
		}
	}

	return &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  m,
		opts:     opts,
	}, nil
}

func (r *ring[T]) Write(item T) error {
	dropped, lost, err := r.write(item)
	if lost && r.opts.onDrop != nil {
		r.opts.onDrop(dropped)
	}
	return err
}

func (r *ring[T]) write(item T) (dropped T, lost bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Write", "ring closed")
	}

	if r.size == r.capacity {
		r.stats.drop()
		r.metrics.recordDrop()
		if r.opts.policy == DropNewest {
			return item, true, nil
		}
		dropped, lost = r.pop(), true
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.write()
	r.stats.setSize(r.size)
	r.metrics.recordWrite(r.size, r.capacity)
	return dropped, lost, nil
}

func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.pop()
	r.stats.read()
	r.stats.setSize(r.size)
	r.metrics.recordSize(r.size, r.capacity)
	return item, true
}

func (r *ring[T]) ReadBatch(limit int) []T {
	if limit <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(limit, r.size)
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = r.pop()
		r.stats.read()
	}
	r.stats.setSize(r.size)
	r.metrics.recordSize(r.size, r.capacity)
	return out
}

// pop removes the oldest item. Caller holds the write lock and has checked size.
func (r *ring[T]) pop() T {
	var zero T
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return item
}

func (r *ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	for i := range out {
		out[i] = r.items[(r.tail+i)%r.capacity]
	}
	return out
}

func (r *ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n = min(n, r.size)
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = r.items[(r.head-1-i+r.capacity)%r.capacity]
	}
	return out
}

func (r *ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *ring[T]) Capacity() int {
	return r.capacity
}

func (r *ring[T]) Clear() {
	r.mu.Lock()
	var dropped []T
	if r.opts.onDrop != nil && r.size > 0 {
		dropped = make([]T, r.size)
		for i := range dropped {
			dropped[i] = r.items[(r.tail+i)%r.capacity]
		}
	}
	clear(r.items)
	r.head, r.tail, r.size = 0, 0, 0
	r.stats.setSize(0)
	r.metrics.recordSize(0, r.capacity)
	r.mu.Unlock()

	for _, item := range dropped {
		r.opts.onDrop(item)
	}
}

func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
