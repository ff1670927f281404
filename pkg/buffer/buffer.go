// Package buffer provides a generic, bounded ring used to retain the most
// recent items of a stream (for example the latest task statistics).
//
// A Ring always keeps its own counters. Prometheus export is optional and
// enabled with WithMetrics.
package buffer

// Buffer is a bounded, thread-safe FIFO of T.
type Buffer[T any] interface {
	// Write appends item. When the buffer is full the overflow policy
	// decides which item is lost.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to limit items, oldest first.
	ReadBatch(limit int) []T

	// Snapshot copies the buffered items, oldest first, without removing them.
	Snapshot() []T

	// Last copies up to n of the newest items, newest first.
	Last(n int) []T

	Len() int
	Capacity() int
	Clear()
	Stats() *Statistics
	Close() error
}

// OverflowPolicy selects the item dropped by Write on a full buffer.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the item being written.
	DropNewest
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback receives items lost to the overflow policy or to Clear.
type DropCallback[T any] func(item T)

// NewRing creates a ring of the given capacity. A capacity below one is
// raised to one. The error is non-nil only when metric registration fails.
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newRing(capacity, applyOptions(options...))
}
