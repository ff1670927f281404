package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics counts ring activity. All methods are safe for concurrent use.
type Statistics struct {
	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	size    atomic.Int64
	maxSize atomic.Int64
	started time.Time
}

// NewStatistics returns zeroed counters started now.
func NewStatistics() *Statistics {
	return &Statistics{started: time.Now()}
}

func (s *Statistics) write() { s.writes.Add(1) }
func (s *Statistics) read()  { s.reads.Add(1) }
func (s *Statistics) drop()  { s.drops.Add(1) }

func (s *Statistics) setSize(n int) {
	v := int64(n)
	s.size.Store(v)
	for {
		cur := s.maxSize.Load()
		if v <= cur || s.maxSize.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (s *Statistics) Writes() int64 { return s.writes.Load() }
func (s *Statistics) Reads() int64  { return s.reads.Load() }
func (s *Statistics) Drops() int64  { return s.drops.Load() }

// Size is the number of items held at the last update.
func (s *Statistics) Size() int64 { return s.size.Load() }

// MaxSize is the high-water mark of Size.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate is drops over writes, or 0 before the first write.
func (s *Statistics) DropRate() float64 {
	w := s.Writes()
	if w == 0 {
		return 0
	}
	return float64(s.Drops()) / float64(w)
}

// Summary is a point-in-time copy of Statistics.
type Summary struct {
	Writes   int64         `json:"writes"`
	Reads    int64         `json:"reads"`
	Drops    int64         `json:"drops"`
	Size     int64         `json:"size"`
	MaxSize  int64         `json:"max_size"`
	DropRate float64       `json:"drop_rate"`
	Uptime   time.Duration `json:"uptime"`
}

// Summary snapshots the counters.
func (s *Statistics) Summary() Summary {
	return Summary{
		Writes:   s.Writes(),
		Reads:    s.Reads(),
		Drops:    s.Drops(),
		Size:     s.Size(),
		MaxSize:  s.MaxSize(),
		DropRate: s.DropRate(),
		Uptime:   time.Since(s.started),
	}
}
