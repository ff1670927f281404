package scheduler

import (
	"container/heap"
	"sync"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/reaction"
)

// taskHeap implements heap.Interface ordered by reaction.Less.
type taskHeap []*reaction.Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return reaction.Less(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*reaction.Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Queue is the shared priority queue consumed by workers. Take blocks until
// a task is available or the queue is closed.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  taskHeap
	closed bool
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues t and wakes one waiting worker.
func (q *Queue) Push(t *reaction.Task) error {
	if t == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Queue", "Push", "enqueue nil task")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}
	heap.Push(&q.tasks, t)
	q.mu.Unlock()

	q.cond.Signal()
	return nil
}

// Take removes and returns the highest priority task. The boolean is false
// once the queue is closed; that is the shutdown sentinel and each caller
// sees it exactly once before returning.
func (q *Queue) Take() (*reaction.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	return heap.Pop(&q.tasks).(*reaction.Task), true
}

// Close stops the queue, wakes every waiter and returns the tasks that were
// still queued, in priority order. Tasks are not drained; the caller
// discards them. Closing twice returns nil.
func (q *Queue) Close() []*reaction.Task {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	remaining := make([]*reaction.Task, 0, len(q.tasks))
	for len(q.tasks) > 0 {
		remaining = append(remaining, heap.Pop(&q.tasks).(*reaction.Task))
	}
	q.mu.Unlock()

	q.cond.Broadcast()
	return remaining
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
