package network

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/reactor/errors"
)

// State is the lifecycle stage of a peer connection.
type State int32

// Peer states, in the only order they are entered.
const (
	StateConnecting State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnID identifies one TCP connection for the lifetime of the process.
type ConnID uint64

// UDPKey is the source of datagrams attributed to a peer.
type UDPKey struct {
	Addr netip.Addr
	Port uint16
}

func (k UDPKey) String() string {
	return netip.AddrPortFrom(k.Addr, k.Port).String()
}

// Peer is a remote process reached over one TCP connection.
type Peer struct {
	Name    string
	Address netip.Addr
	TCPPort uint16
	UDPPort uint16
	Joined  time.Time

	conn    ConnID
	tcp     net.Conn
	writeMu sync.Mutex
	state   atomic.Int32

	// udpKeys is guarded by the registry owner's lock.
	udpKeys []UDPKey

	reassembly *Reassembler
}

func newPeer(id ConnID, conn net.Conn, addr netip.Addr, reassembly *Reassembler) *Peer {
	return &Peer{
		Address:    addr,
		conn:       id,
		tcp:        conn,
		reassembly: reassembly,
	}
}

// identify fills in what the remote side sent in its handshake. It runs
// before the peer is registered.
func (p *Peer) identify(hs Handshake) {
	p.Name = hs.Name
	p.TCPPort = hs.TCPPort
	p.UDPPort = hs.UDPPort
	p.Joined = time.Now()
	p.udpKeys = []UDPKey{{Addr: p.Address, Port: hs.UDPPort}}
}

// ConnID returns the connection key.
func (p *Peer) ConnID() ConnID { return p.conn }

// State returns the current lifecycle state.
func (p *Peer) State() State { return State(p.state.Load()) }

// UDPAddr is where unicast datagrams for this peer are sent.
func (p *Peer) UDPAddr() netip.AddrPort {
	return netip.AddrPortFrom(p.Address, p.UDPPort)
}

func (p *Peer) transition(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// beginClose moves the peer to closing. Only the first caller wins.
func (p *Peer) beginClose() bool {
	for {
		s := p.State()
		if s >= StateClosing {
			return false
		}
		if p.transition(s, StateClosing) {
			return true
		}
	}
}

// write sends one frame under the peer's write lock so frames from
// concurrent senders never interleave. A write still blocked after timeout
// fails.
func (p *Peer) write(frame []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if timeout > 0 {
		if err := p.tcp.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	n, err := p.tcp.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// Registry indexes peers by connection, by UDP source and by name. It is
// not safe for concurrent use; the controller guards it with the same lock
// as its routing table so edits across indices are atomic.
type Registry struct {
	byConn map[ConnID]*Peer
	byUDP  map[UDPKey]*Peer
	byName map[string][]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[ConnID]*Peer),
		byUDP:  make(map[UDPKey]*Peer),
		byName: make(map[string][]*Peer),
	}
}

// Add indexes p under its connection, its UDP keys and its name. Names may
// repeat; connections and UDP keys may not.
func (r *Registry) Add(p *Peer) error {
	if _, ok := r.byConn[p.conn]; ok {
		return fmt.Errorf("%w: connection %d", errors.ErrDuplicatePeer, p.conn)
	}
	for _, key := range p.udpKeys {
		if other, ok := r.byUDP[key]; ok && other != p {
			return fmt.Errorf("%w: %s already owned by %q", errors.ErrDuplicatePeer, key, other.Name)
		}
	}

	r.byConn[p.conn] = p
	for _, key := range p.udpKeys {
		r.byUDP[key] = p
	}
	r.byName[p.Name] = append(r.byName[p.Name], p)
	return nil
}

// AddUDPKey attributes datagrams from key to p as well.
func (r *Registry) AddUDPKey(p *Peer, key UDPKey) error {
	if r.byConn[p.conn] != p {
		return fmt.Errorf("%w: %q is not registered", errors.ErrPeerNotFound, p.Name)
	}
	if other, ok := r.byUDP[key]; ok {
		if other == p {
			return nil
		}
		return fmt.Errorf("%w: %s already owned by %q", errors.ErrDuplicatePeer, key, other.Name)
	}
	r.byUDP[key] = p
	p.udpKeys = append(p.udpKeys, key)
	return nil
}

// Remove erases p from every index. Entries are matched by pointer, so a
// different peer sharing p's name or a reused key is left alone. It
// reports whether p was registered.
func (r *Registry) Remove(p *Peer) bool {
	if r.byConn[p.conn] != p {
		return false
	}
	delete(r.byConn, p.conn)

	for _, key := range p.udpKeys {
		if r.byUDP[key] == p {
			delete(r.byUDP, key)
		}
	}

	named := slices.DeleteFunc(r.byName[p.Name], func(other *Peer) bool { return other == p })
	if len(named) == 0 {
		delete(r.byName, p.Name)
	} else {
		r.byName[p.Name] = named
	}
	return true
}

// ByConn looks a peer up by its connection.
func (r *Registry) ByConn(id ConnID) (*Peer, bool) {
	p, ok := r.byConn[id]
	return p, ok
}

// ByUDP looks a peer up by datagram source.
func (r *Registry) ByUDP(key UDPKey) (*Peer, bool) {
	p, ok := r.byUDP[key]
	return p, ok
}

// ByName returns every peer registered under name.
func (r *Registry) ByName(name string) []*Peer {
	return slices.Clone(r.byName[name])
}

// All returns every registered peer.
func (r *Registry) All() []*Peer {
	peers := make([]*Peer, 0, len(r.byConn))
	for _, p := range r.byConn {
		peers = append(peers, p)
	}
	return peers
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	return len(r.byConn)
}

// UDPKeys returns a copy of p's datagram sources. Caller holds the
// registry owner's lock.
func (r *Registry) UDPKeys(p *Peer) []UDPKey {
	return slices.Clone(p.udpKeys)
}
