// Package network carries typed messages between processes over a mixed
// TCP/UDP channel.
//
// Every peer holds one TCP connection, opened by either side and
// introduced by a handshake. Reliable messages travel as single frames on
// that connection. Unreliable messages are split into datagrams of at most
// MaxUDPChunk payload bytes and reassembled by the receiver; untargeted
// ones go to a multicast group that also carries periodic announces used
// for discovery.
//
// Inbound messages are routed by type hash to subscribed reactions. For
// each, the controller builds a reaction.Binding holding the payload
// (KindPayload) and its Source (KindSource), creates a task and submits it
// to the scheduler.
package network

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/c360/reactor/codec"
	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/health"
	"github.com/c360/reactor/metric"
	"github.com/c360/reactor/pkg/retry"
	"github.com/c360/reactor/reaction"
)

// Submitter accepts tasks for execution.
type Submitter interface {
	Submit(t *reaction.Task) error
}

// Notifier publishes peer lifecycle events to the local bus and returns the
// number of tasks created.
type Notifier interface {
	Publish(ctx context.Context, v any) int
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, any) int { return 0 }

// Deps holds the collaborators of a Controller.
type Deps struct {
	Submitter       Submitter
	Notifier        Notifier
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Message is one outbound message.
type Message struct {
	Payload []byte
	Hash    codec.TypeHash
	// Target names the receiving peers; empty means everyone.
	Target   string
	Reliable bool
}

const socketBufferSize = 2 * 1024 * 1024

// Controller owns the sockets, the peer registry and the routing table.
type Controller struct {
	cfg       Config
	submitter Submitter
	notifier  Notifier
	logger    *slog.Logger
	metrics   *controllerMetrics
	limiter   *rate.Limiter
	dialRetry errors.RetryConfig

	// mu guards routes, registry, dialing and pending together.
	mu       sync.Mutex
	routes   map[codec.TypeHash][]*reaction.Reaction
	registry *Registry
	dialing  map[netip.AddrPort]bool
	pending  map[net.Conn]struct{}

	connIDs   atomic.Uint64
	packetIDs atomic.Uint32

	framesIn  atomic.Int64
	framesOut atomic.Int64
	tasks     atomic.Int64

	lifecycleMu sync.Mutex
	spawnMu     sync.Mutex
	running     atomic.Bool
	stopped     bool
	startedAt   time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	tcpLn     net.Listener
	udpConn   *net.UDPConn
	mcastConn *net.UDPConn
	groupAddr netip.AddrPort
	tcpPort   uint16
	udpPort   uint16
}

// NewController validates cfg and creates a controller that is not yet
// listening.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Submitter == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Controller", "NewController", "submitter is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	metrics, err := newControllerMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, err
	}

	return &Controller{
		cfg:       cfg,
		submitter: deps.Submitter,
		notifier:  notifier,
		logger:    logger.With("component", "network", "node", cfg.Name),
		metrics:   metrics,
		limiter:   rate.NewLimiter(rate.Limit(cfg.DialRate), cfg.DialBurst),
		dialRetry: errors.DefaultRetryConfig(),
		routes:    make(map[codec.TypeHash][]*reaction.Reaction),
		registry:  NewRegistry(),
		dialing:   make(map[netip.AddrPort]bool),
		pending:   make(map[net.Conn]struct{}),
	}, nil
}

// Name returns the name this controller announces.
func (c *Controller) Name() string { return c.cfg.Name }

// TCPPort returns the bound TCP port, or 0 before Start.
func (c *Controller) TCPPort() uint16 { return c.tcpPort }

// UDPPort returns the bound UDP port, or 0 before Start.
func (c *Controller) UDPPort() uint16 { return c.udpPort }

// Subscribe routes messages with the given type hash to r.
func (c *Controller) Subscribe(hash codec.TypeHash, r *reaction.Reaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[hash] = append(c.routes[hash], r)
}

// Unsubscribe removes r from the routes of hash.
func (c *Controller) Unsubscribe(hash codec.TypeHash, r *reaction.Reaction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	routed := c.routes[hash]
	for i, existing := range routed {
		if existing == r {
			c.routes[hash] = append(routed[:i:i], routed[i+1:]...)
			if len(c.routes[hash]) == 0 {
				delete(c.routes, hash)
			}
			return true
		}
	}
	return false
}

// Start binds the sockets and launches the reader, announce and janitor
// goroutines. Configured static peers are dialed in the background.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return errors.ErrAlreadyStarted
	}
	if c.stopped {
		return errors.ErrShuttingDown
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := retry.Do(ctx, retry.Quick(), func() error { return c.bind(runCtx) }); err != nil {
		cancel()
		return errors.WrapTransient(err, "Controller", "Start", "socket binding")
	}

	c.ctx = runCtx
	c.cancel = cancel
	c.startedAt = time.Now()
	c.running.Store(true)

	c.spawn(c.acceptLoop)
	c.spawn(func() { c.readDatagrams(c.udpConn, false) })
	if c.mcastConn != nil {
		c.spawn(func() { c.readDatagrams(c.mcastConn, true) })
		c.spawn(c.announceLoop)
	}
	c.spawn(c.janitorLoop)

	for _, addr := range c.cfg.Peers {
		c.spawn(func() {
			if _, err := c.Connect(c.ctx, addr); err != nil {
				c.logger.Warn("Static peer unreachable", "address", addr, "error", err)
			}
		})
	}

	c.logger.Info("Network controller started",
		"tcp_port", c.tcpPort,
		"udp_port", c.udpPort,
		"multicast", c.mcastConn != nil)
	return nil
}

// bind opens every socket or none.
func (c *Controller) bind(ctx context.Context) (err error) {
	var lc net.ListenConfig
	var opened []io.Closer
	defer func() {
		if err != nil {
			for _, closer := range opened {
				_ = closer.Close()
			}
		}
	}()

	ln, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(c.cfg.BindAddress, strconv.Itoa(c.cfg.TCPPort)))
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	opened = append(opened, ln)

	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(c.cfg.BindAddress, strconv.Itoa(c.cfg.UDPPort)))
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	opened = append(opened, pc)
	udpConn := pc.(*net.UDPConn)
	if err := udpConn.SetReadBuffer(socketBufferSize); err != nil {
		c.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}

	var mcastConn *net.UDPConn
	var groupAddr netip.AddrPort
	if c.cfg.Multicast.Enabled {
		mcastConn, groupAddr, err = c.joinGroup(ctx, udpConn)
		if err != nil {
			return err
		}
		opened = append(opened, mcastConn)
	}

	c.tcpLn = ln
	c.udpConn = udpConn
	c.mcastConn = mcastConn
	c.groupAddr = groupAddr
	c.tcpPort = uint16(ln.Addr().(*net.TCPAddr).Port)
	c.udpPort = uint16(udpConn.LocalAddr().(*net.UDPAddr).Port)
	return nil
}

// joinGroup binds the shared multicast port and configures the unicast
// socket to send to the group.
func (c *Controller) joinGroup(ctx context.Context, sender *net.UDPConn) (*net.UDPConn, netip.AddrPort, error) {
	mc := c.cfg.Multicast
	group, err := netip.ParseAddr(mc.Group)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("parse multicast group: %w", err)
	}

	var ifi *net.Interface
	if mc.Interface != "" {
		if ifi, err = net.InterfaceByName(mc.Interface); err != nil {
			return nil, netip.AddrPort{}, fmt.Errorf("multicast interface: %w", err)
		}
	}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(mc.Port)))
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("listen multicast: %w", err)
	}
	conn := pc.(*net.UDPConn)

	if err := ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: group.AsSlice()}); err != nil {
		_ = conn.Close()
		return nil, netip.AddrPort{}, fmt.Errorf("join multicast group %s: %w", group, err)
	}

	out := ipv4.NewPacketConn(sender)
	if err := out.SetMulticastTTL(mc.TTL); err != nil {
		c.logger.Warn("Could not set multicast TTL", "ttl", mc.TTL, "error", err)
	}
	if err := out.SetMulticastLoopback(mc.Loopback); err != nil {
		c.logger.Warn("Could not set multicast loopback", "error", err)
	}
	if ifi != nil {
		if err := out.SetMulticastInterface(ifi); err != nil {
			c.logger.Warn("Could not set multicast interface", "interface", ifi.Name, "error", err)
		}
	}

	return conn, netip.AddrPortFrom(group, uint16(mc.Port)), nil
}

// spawn runs fn on a tracked goroutine unless the controller is stopping.
func (c *Controller) spawn(fn func()) bool {
	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()

	if !c.running.Load() {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// Stop closes every socket, tears down every peer and waits up to timeout
// for the controller goroutines to exit.
func (c *Controller) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return nil
	}

	c.spawnMu.Lock()
	c.running.Store(false)
	c.spawnMu.Unlock()
	c.stopped = true
	c.cancel()

	_ = c.tcpLn.Close()
	_ = c.udpConn.Close()
	if c.mcastConn != nil {
		_ = c.mcastConn.Close()
	}

	c.mu.Lock()
	peers := c.registry.All()
	pending := make([]net.Conn, 0, len(c.pending))
	for conn := range c.pending {
		pending = append(pending, conn)
	}
	c.mu.Unlock()

	for _, conn := range pending {
		_ = conn.Close()
	}
	for _, p := range peers {
		c.teardown(p, errors.ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Network controller stopped",
			"frames_in", c.framesIn.Load(),
			"frames_out", c.framesOut.Load())
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrStopTimeout, "Controller", "Stop", "waiting for network goroutines")
	}
}

func (c *Controller) acceptLoop() {
	for {
		conn, err := c.tcpLn.Accept()
		if err != nil {
			if !c.running.Load() || stderrors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("Accept failed", "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if !c.spawn(func() { c.handleConn(conn) }) {
			_ = conn.Close()
			return
		}
	}
}

func (c *Controller) handleConn(conn net.Conn) {
	p, err := c.establish(conn)
	if err != nil {
		c.logger.Debug("Inbound connection rejected", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	c.serve(p)
}

// establish runs the handshake on a fresh connection and registers the
// peer. On failure the connection is closed and nothing is registered.
func (c *Controller) establish(conn net.Conn) (*Peer, error) {
	c.mu.Lock()
	c.pending[conn] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, conn)
		c.mu.Unlock()
	}()

	p := newPeer(ConnID(c.connIDs.Add(1)), conn, remoteAddr(conn), NewReassembler(MaxAssemblies, c.cfg.ReassemblyTimeout))

	fail := func(err error) (*Peer, error) {
		c.metrics.handshakeFailed()
		p.state.Store(int32(StateRemoved))
		_ = conn.Close()
		return nil, errors.WrapInvalid(err, "Controller", "establish", "handshake")
	}

	p.transition(StateConnecting, StateHandshaking)
	_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))

	hello, err := Handshake{Name: c.cfg.Name, UDPPort: c.udpPort, TCPPort: c.tcpPort}.MarshalBinary()
	if err != nil {
		return fail(err)
	}
	if _, err := conn.Write(hello); err != nil {
		return fail(fmt.Errorf("%w: %w", errors.ErrHandshake, err))
	}
	hs, err := ReadHandshake(conn)
	if err != nil {
		return fail(err)
	}
	_ = conn.SetDeadline(time.Time{})
	p.identify(hs)

	c.mu.Lock()
	if !c.running.Load() {
		c.mu.Unlock()
		return fail(errors.ErrShuttingDown)
	}
	err = c.registry.Add(p)
	delete(c.dialing, netip.AddrPortFrom(p.Address, p.TCPPort))
	peers := c.registry.Len()
	c.mu.Unlock()
	if err != nil {
		return fail(err)
	}

	p.transition(StateHandshaking, StateEstablished)
	c.metrics.setPeers(peers)
	c.logger.Info("Peer joined",
		"peer", p.Name,
		"address", p.Address,
		"tcp_port", p.TCPPort,
		"udp_port", p.UDPPort)
	c.notifier.Publish(context.Background(), PeerJoined{
		Name:    p.Name,
		Address: p.Address,
		TCPPort: p.TCPPort,
		UDPPort: p.UDPPort,
	})
	return p, nil
}

// serve reads frames from an established peer until the stream fails.
func (c *Controller) serve(p *Peer) {
	for {
		h, body, err := ReadFrame(p.tcp, c.cfg.MaxFrameSize)
		if err != nil {
			c.teardown(p, err)
			return
		}
		c.framesIn.Add(1)
		c.metrics.received("tcp")

		if h.FragmentCount != 1 {
			c.metrics.dropped("fragmented_stream")
			c.teardown(p, fmt.Errorf("%w: fragment on stream", errors.ErrBadFragment))
			return
		}

		c.deliver(h.TypeHash, body, Source{
			Name:      p.Name,
			Address:   p.Address,
			Port:      p.UDPPort,
			Reliable:  true,
			Multicast: h.Multicast,
		})
	}
}

// teardown removes p from every index, closes its connection and
// publishes PeerLeft. Later calls for the same peer do nothing.
func (c *Controller) teardown(p *Peer, reason error) {
	if !p.beginClose() {
		return
	}

	c.mu.Lock()
	removed := c.registry.Remove(p)
	peers := c.registry.Len()
	c.mu.Unlock()

	_ = p.tcp.Close()
	p.state.Store(int32(StateRemoved))
	if !removed {
		return
	}

	c.metrics.setPeers(peers)
	if stderrors.Is(reason, io.EOF) || stderrors.Is(reason, net.ErrClosed) || stderrors.Is(reason, errors.ErrShuttingDown) {
		c.logger.Info("Peer left", "peer", p.Name, "address", p.Address, "reason", reason)
	} else {
		c.logger.Warn("Peer dropped", "peer", p.Name, "address", p.Address, "error", reason)
	}
	c.notifier.Publish(context.Background(), PeerLeft{
		Name:    p.Name,
		Address: p.Address,
		TCPPort: p.TCPPort,
		UDPPort: p.UDPPort,
	})
}

func (c *Controller) readDatagrams(conn *net.UDPConn, viaGroup bool) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !c.running.Load() || stderrors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Debug("UDP read failed", "error", err)
			continue
		}
		c.handleDatagram(buf[:n], from, viaGroup)
	}
}

// handleDatagram processes one datagram. data is only valid for the call.
func (c *Controller) handleDatagram(data []byte, from netip.AddrPort, viaGroup bool) {
	if IsAnnounce(data) {
		a, err := DecodeAnnounce(data)
		if err != nil {
			c.metrics.dropped("malformed_announce")
			return
		}
		c.handleAnnounce(a, from.Addr().Unmap())
		return
	}

	h, body, err := DecodeFrame(data)
	if err != nil {
		c.metrics.dropped("malformed")
		return
	}
	c.framesIn.Add(1)
	if viaGroup {
		c.metrics.received("multicast")
	} else {
		c.metrics.received("udp")
	}

	key := UDPKey{Addr: from.Addr().Unmap(), Port: from.Port()}
	c.mu.Lock()
	p, ok := c.registry.ByUDP(key)
	c.mu.Unlock()
	if !ok {
		c.metrics.dropped("unknown_peer")
		return
	}

	src := Source{
		Name:      p.Name,
		Address:   p.Address,
		Port:      key.Port,
		Multicast: h.Multicast,
	}
	if h.FragmentCount == 1 {
		c.deliver(h.TypeHash, bytes.Clone(body), src)
		return
	}
	if payload, done := p.reassembly.Add(h, body); done {
		c.deliver(h.TypeHash, payload, src)
	}
}

// deliver creates and submits one task per admitted reaction routed at
// hash. Each task gets its own binding; payload is shared and read-only.
// Submission happens outside c.mu.
func (c *Controller) deliver(hash codec.TypeHash, payload []byte, src Source) {
	c.mu.Lock()
	routed := c.routes[hash]
	if len(routed) == 0 {
		c.mu.Unlock()
		c.metrics.dropped("unrouted")
		return
	}

	tasks := make([]*reaction.Task, 0, len(routed))
	for _, r := range routed {
		if !r.Admit() {
			continue
		}
		b := reaction.NewBinding().With(KindPayload, payload).With(KindSource, src)
		task, err := r.Task(nil, b)
		if err != nil {
			c.logger.Debug("Reaction declined message", "reaction", r.String(), "peer", src.Name, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	c.mu.Unlock()

	for _, task := range tasks {
		c.tasks.Add(1)
		c.metrics.taskCreated()
		if err := c.submitter.Submit(task); err != nil {
			c.logger.Debug("Task submission failed", "reaction", task.Reaction().String(), "error", err)
		}
	}
}

// Send transmits msg. Only local failures are returned: the controller is
// not running, or the payload cannot be framed. Unknown targets and
// failures of individual peers are not errors; a peer whose stream write
// fails is torn down.
func (c *Controller) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.running.Load() {
		return errors.ErrNotStarted
	}

	untargeted := msg.Target == ""
	if msg.Reliable {
		if uint64(len(msg.Payload)) > uint64(c.cfg.MaxFrameSize) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrPayloadTooLarge, len(msg.Payload), c.cfg.MaxFrameSize),
				"Controller", "Send", "frame payload")
		}
		frame := EncodeFrame(Header{FragmentCount: 1, TypeHash: msg.Hash, Multicast: untargeted}, msg.Payload)
		for _, p := range c.targets(msg.Target) {
			if err := p.write(frame, c.cfg.WriteTimeout); err != nil {
				c.teardown(p, err)
				continue
			}
			c.framesOut.Add(1)
			c.metrics.sent("tcp", 1, len(frame))
		}
		return nil
	}

	frames, err := Fragment(msg.Hash, uint16(c.packetIDs.Add(1)), msg.Payload, untargeted)
	if err != nil {
		return errors.WrapInvalid(err, "Controller", "Send", "fragment payload")
	}
	if untargeted && c.mcastConn != nil {
		c.sendDatagrams(frames, c.groupAddr, "multicast")
		return nil
	}
	for _, p := range c.targets(msg.Target) {
		c.sendDatagrams(frames, p.UDPAddr(), "udp")
	}
	return nil
}

func (c *Controller) targets(name string) []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		return c.registry.All()
	}
	return c.registry.ByName(name)
}

func (c *Controller) sendDatagrams(frames [][]byte, dst netip.AddrPort, transport string) {
	size := 0
	for _, frame := range frames {
		if _, err := c.udpConn.WriteToUDPAddrPort(frame, dst); err != nil {
			c.logger.Debug("Datagram send failed", "destination", dst, "error", err)
			return
		}
		size += len(frame)
	}
	c.framesOut.Add(int64(len(frames)))
	c.metrics.sent(transport, len(frames), size)
}

// Connect dials a peer's TCP listener, retrying while it is not yet
// accepting, and completes the handshake. A rejected handshake is not
// retried.
func (c *Controller) Connect(ctx context.Context, address string) (*Peer, error) {
	if !c.running.Load() {
		return nil, errors.ErrNotStarted
	}

	dialer := net.Dialer{Timeout: c.cfg.HandshakeTimeout}
	rc := c.dialRetry
	var p *Peer
	attempt := rc.Guard(func() error {
		conn, err := dialer.DialContext(ctx, "tcp4", address)
		if err != nil {
			return errors.WrapTransient(err, "Controller", "Connect", "dial "+address)
		}
		p, err = c.establish(conn)
		return err
	})
	if err := retry.Do(ctx, rc.ToRetryConfig(), attempt); err != nil {
		if errors.IsInvalid(err) {
			c.metrics.dial("rejected")
		} else {
			c.metrics.dial("failed")
		}
		return nil, err
	}
	if !c.spawn(func() { c.serve(p) }) {
		c.teardown(p, errors.ErrShuttingDown)
		return nil, errors.ErrShuttingDown
	}
	c.metrics.dial("connected")
	return p, nil
}

// handleAnnounce dials an announcing process that is not yet a peer. Only
// the side with the lower name and port dials so two processes hearing
// each other open one connection.
func (c *Controller) handleAnnounce(a Announce, addr netip.Addr) {
	if a.Name == c.cfg.Name && a.TCPPort == c.tcpPort && a.UDPPort == c.udpPort {
		return
	}
	if !dialsFirst(c.cfg.Name, c.tcpPort, a.Name, a.TCPPort) {
		return
	}

	target := netip.AddrPortFrom(addr, a.TCPPort)
	c.mu.Lock()
	_, known := c.registry.ByUDP(UDPKey{Addr: addr, Port: a.UDPPort})
	if known || c.dialing[target] {
		c.mu.Unlock()
		return
	}
	if !c.limiter.Allow() {
		c.mu.Unlock()
		c.metrics.dial("rate_limited")
		return
	}
	c.dialing[target] = true
	c.mu.Unlock()

	done := func() {
		c.mu.Lock()
		delete(c.dialing, target)
		c.mu.Unlock()
	}
	started := c.spawn(func() {
		defer done()
		if _, err := c.Connect(c.ctx, target.String()); err != nil {
			c.logger.Debug("Announced peer unreachable", "peer", a.Name, "address", target, "error", err)
		}
	})
	if !started {
		done()
	}
}

func dialsFirst(localName string, localPort uint16, remoteName string, remotePort uint16) bool {
	if localName != remoteName {
		return localName < remoteName
	}
	return localPort <= remotePort
}

func (c *Controller) announceLoop() {
	msg, err := Announce{Name: c.cfg.Name, TCPPort: c.tcpPort, UDPPort: c.udpPort}.MarshalBinary()
	if err != nil {
		c.logger.Error("Cannot encode announce", "error", err)
		return
	}

	ticker := time.NewTicker(c.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		if _, err := c.udpConn.WriteToUDPAddrPort(msg, c.groupAddr); err != nil && c.running.Load() {
			c.logger.Debug("Announce failed", "group", c.groupAddr, "error", err)
		}
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// janitorLoop discards partial assemblies whose deadline has passed.
func (c *Controller) janitorLoop() {
	interval := max(c.cfg.ReassemblyTimeout/2, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range c.targets("") {
				c.metrics.assembliesLost("expired", p.reassembly.Sweep())
			}
		}
	}
}

// AddPeerAddress attributes datagrams from addr to the first peer named
// name, for peers that send from more than one socket.
func (c *Controller) AddPeerAddress(name string, addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := c.registry.ByName(name)
	if len(peers) == 0 {
		return fmt.Errorf("%w: %q", errors.ErrPeerNotFound, name)
	}
	return c.registry.AddUDPKey(peers[0], UDPKey{Addr: addr.Addr().Unmap(), Port: addr.Port()})
}

// Peers returns a snapshot of the registered peers.
func (c *Controller) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := c.registry.All()
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		keys := make([]netip.AddrPort, 0, len(p.udpKeys))
		for _, k := range p.udpKeys {
			keys = append(keys, netip.AddrPortFrom(k.Addr, k.Port))
		}
		infos = append(infos, PeerInfo{
			Name:    p.Name,
			Address: p.Address,
			TCPPort: p.TCPPort,
			UDPPort: p.UDPPort,
			UDPKeys: keys,
			State:   p.State().String(),
			Joined:  p.Joined,
		})
	}
	return infos
}

// Stats is a snapshot of controller counters.
type Stats struct {
	Peers     int   `json:"peers"`
	Routes    int   `json:"routes"`
	FramesIn  int64 `json:"frames_in"`
	FramesOut int64 `json:"frames_out"`
	Tasks     int64 `json:"tasks"`
}

// Stats returns current counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	peers, routes := c.registry.Len(), len(c.routes)
	c.mu.Unlock()

	return Stats{
		Peers:     peers,
		Routes:    routes,
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		Tasks:     c.tasks.Load(),
	}
}

// Health implements health.Reporter.
func (c *Controller) Health() health.Status {
	if !c.running.Load() {
		return health.NewUnhealthy("network", "not running")
	}
	s := c.Stats()
	status := health.NewHealthy("network",
		fmt.Sprintf("%d peers on tcp %d udp %d", s.Peers, c.tcpPort, c.udpPort))
	return status.WithMetrics(&health.Metrics{
		Uptime:    time.Since(c.startedAt),
		Processed: s.FramesIn,
	})
}

func remoteAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
