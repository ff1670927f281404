package network

import (
	"sync"
	"time"

	"github.com/c360/reactor/codec"
)

// DefaultReassemblyTimeout is how long a partial assembly may wait for its
// remaining fragments.
const DefaultReassemblyTimeout = time.Second

type assembly struct {
	created   time.Time
	deadline  time.Time
	hash      codec.TypeHash
	multicast bool
	fragments [][]byte
	received  int
}

// Reassembler collects the fragments of one peer's datagrams, keyed by
// packet id. It keeps a bounded number of partial assemblies. When a new packet id
// arrives at capacity, expired assemblies are purged first; if none had
// expired the assembly created earliest is evicted, lower packet id first
// on equal creation times.
type Reassembler struct {
	mu      sync.Mutex
	max     int
	timeout time.Duration
	now     func() time.Time
	pending map[uint16]*assembly

	evicted int64
	expired int64
}

// NewReassembler creates a reassembler. Non-positive arguments select
// MaxAssemblies and DefaultReassemblyTimeout.
func NewReassembler(limit int, timeout time.Duration) *Reassembler {
	if limit <= 0 {
		limit = MaxAssemblies
	}
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		max:     limit,
		timeout: timeout,
		now:     time.Now,
		pending: make(map[uint16]*assembly),
	}
}

// Add stores one fragment. When it completes its packet the fragments are
// concatenated in index order and returned with done set. Duplicate
// fragments are ignored. A fragment whose count or type disagrees with the
// pending assembly restarts that packet id.
func (r *Reassembler) Add(h Header, body []byte) (payload []byte, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	a, ok := r.pending[h.PacketID]
	if ok && (len(a.fragments) != int(h.FragmentCount) || a.hash != h.TypeHash) {
		delete(r.pending, h.PacketID)
		ok = false
	}
	if ok && now.After(a.deadline) {
		delete(r.pending, h.PacketID)
		r.expired++
		ok = false
	}

	if !ok {
		if len(r.pending) >= r.max {
			r.makeRoom(now)
		}
		a = &assembly{
			created:   now,
			deadline:  now.Add(r.timeout),
			hash:      h.TypeHash,
			multicast: h.Multicast,
			fragments: make([][]byte, h.FragmentCount),
		}
		r.pending[h.PacketID] = a
	}

	if a.fragments[h.FragmentIndex] != nil {
		return nil, false
	}
	a.fragments[h.FragmentIndex] = append(make([]byte, 0, len(body)), body...)
	a.received++
	if a.received < len(a.fragments) {
		return nil, false
	}

	delete(r.pending, h.PacketID)
	size := 0
	for _, f := range a.fragments {
		size += len(f)
	}
	payload = make([]byte, 0, size)
	for _, f := range a.fragments {
		payload = append(payload, f...)
	}
	return payload, true
}

// makeRoom frees one slot. Caller holds mu.
func (r *Reassembler) makeRoom(now time.Time) {
	if r.purge(now) > 0 {
		return
	}

	var (
		oldestID uint16
		oldest   *assembly
	)
	for id, a := range r.pending {
		if oldest == nil || a.created.Before(oldest.created) ||
			(a.created.Equal(oldest.created) && id < oldestID) {
			oldestID, oldest = id, a
		}
	}
	if oldest != nil {
		delete(r.pending, oldestID)
		r.evicted++
	}
}

// purge drops expired assemblies. Caller holds mu.
func (r *Reassembler) purge(now time.Time) int {
	n := 0
	for id, a := range r.pending {
		if now.After(a.deadline) {
			delete(r.pending, id)
			n++
		}
	}
	r.expired += int64(n)
	return n
}

// Sweep drops expired assemblies and returns how many were dropped.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.purge(r.now())
}

// Pending returns the number of partial assemblies.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Has reports whether packetID has a partial assembly.
func (r *Reassembler) Has(packetID uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[packetID]
	return ok
}

// Dropped returns how many assemblies were lost to eviction and to expiry.
func (r *Reassembler) Dropped() (evicted, expired int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted, r.expired
}
