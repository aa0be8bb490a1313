package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oscmesh/address"
	"oscmesh/crypto"
	"oscmesh/models"
	"oscmesh/osc"
	"oscmesh/registry"
)

const (
	// DefaultNodePort is the UDP port nodes talk to each other on.
	DefaultNodePort = 7400
	// DefaultAnnounceInterval is how often a node pushes its peer info.
	DefaultAnnounceInterval = 3 * time.Second
	// DefaultSweepInterval is how often expired peers are removed.
	DefaultSweepInterval = time.Second

	inboundQueueSize = 256
	eventQueueSize   = 64
	handlerQueueSize = 256

	// journalPaired is recorded alongside the registry change kinds.
	journalPaired = "paired"
)

var (
	// ErrNotRunning indicates a call on a node that is not started.
	ErrNotRunning = errors.New("network: node not running")
	// ErrNoRemoteSocket indicates pairing without a remote port.
	ErrNoRemoteSocket = errors.New("network: remote port not configured")
)

// PeerState is a discovery observation about another node.
type PeerState int

const (
	PeerAdded PeerState = iota + 1
	PeerUpdated
	PeerRemoved
)

func (s PeerState) String() string {
	switch s {
	case PeerAdded:
		return "added"
	case PeerUpdated:
		return "updated"
	case PeerRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionStore persists remote pairing sessions.
type SessionStore interface {
	SaveRemoteSession(session crypto.Session) error
	LatestRemoteSession() (crypto.Session, bool, error)
}

// PeerJournal records peer lifecycle changes. Implementations must not block.
type PeerJournal interface {
	RecordPeerEvent(kind string, peer models.Peer)
}

// Options configures a Node.
type Options struct {
	// Name is the node display name; it is upper-cased into a group.
	Name string

	NodeAddr   netip.AddrPort
	ClientAddr netip.AddrPort
	// RemoteAddr is the local bind address of the encrypted channel. The
	// channel is disabled when invalid.
	RemoteAddr netip.AddrPort
	// AdvertiseAddr is the address announced to peers and used in
	// initiator election. Defaults to the node socket address.
	AdvertiseAddr netip.AddrPort

	// Session pairs the remote channel at start.
	Session *crypto.Session

	NodeTimeout      time.Duration
	AnnounceInterval time.Duration
	SweepInterval    time.Duration

	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *Metrics
	Sessions SessionStore
	Journal  PeerJournal
}

func (o Options) withDefaults() Options {
	out := o
	if !out.NodeAddr.IsValid() {
		out.NodeAddr = netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultNodePort)
	}
	if !out.ClientAddr.IsValid() {
		port := out.NodeAddr.Port()
		if port != 0 {
			port++
		}
		out.ClientAddr = netip.AddrPortFrom(out.NodeAddr.Addr(), port)
	}
	if out.NodeTimeout <= 0 {
		out.NodeTimeout = models.DefaultNodeTimeout
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

type peerEvent struct {
	addr  netip.AddrPort
	state PeerState
}

// Node is one message broker: it owns the registry, the sockets and the
// event loop that serializes every routing decision.
type Node struct {
	opts    Options
	log     *zap.Logger
	clock   clock.Clock
	metrics *Metrics

	reg    *registry.Registry
	router *Router

	inbound  chan models.Envelope
	events   chan peerEvent
	calls    chan func()
	handlers chan func()

	sealed atomic.Pointer[SealedFramer]
	// remote is owned by the loop.
	remote netip.AddrPort

	mu       sync.Mutex
	running  bool
	stopping bool
	ctx      context.Context
	cancel   context.CancelFunc
	conns    map[models.Class]*net.UDPConn
	readers  *errgroup.Group
	loopDone chan struct{}
}

// NewNode creates a stopped node.
func NewNode(options Options) (*Node, error) {
	opts := options.withDefaults()
	name, err := address.NormalizeGroup(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("node name %q: %w", opts.Name, err)
	}
	opts.Name = name

	n := &Node{
		opts:    opts,
		log:     opts.Logger.With(zap.String("node", name)),
		clock:   opts.Clock,
		metrics: opts.Metrics,
		inbound:  make(chan models.Envelope, inboundQueueSize),
		events:   make(chan peerEvent, eventQueueSize),
		calls:    make(chan func()),
		handlers: make(chan func(), handlerQueueSize),
	}
	n.reg = registry.New(registry.Options{
		Clock:       opts.Clock,
		Logger:      n.log,
		NodeTimeout: opts.NodeTimeout,
		OnChange:    n.onPeerChange,
	})
	n.router = NewRouter(RouterOptions{
		Name:     name,
		Registry: n.reg,
		Transmit: n.transmit,
		Invoke:   n.queueHandler,
		Metrics:  opts.Metrics,
		Logger:   n.log,
	})
	return n, nil
}

// Name returns the normalized node name.
func (n *Node) Name() string {
	return n.opts.Name
}

// Self returns the address announced to peers. Valid after Start.
func (n *Node) Self() netip.AddrPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.router.Self()
}

// NodeAddr returns the bound node socket address. Valid after Start.
func (n *Node) NodeAddr() netip.AddrPort {
	return n.boundAddr(models.ClassLocalNode)
}

// ClientAddr returns the bound client socket address. Valid after Start.
func (n *Node) ClientAddr() netip.AddrPort {
	return n.boundAddr(models.ClassLocalClient)
}

// RemoteAddr returns the bound remote socket address, if any.
func (n *Node) RemoteAddr() netip.AddrPort {
	return n.boundAddr(models.ClassRemoteNode)
}

func (n *Node) boundAddr(class models.Class) netip.AddrPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn, ok := n.conns[class]
	if !ok {
		return netip.AddrPort{}
	}
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Handle registers an in-process consumer for paths matching pattern.
// Handlers run in order on a goroutine of their own, off the loop, so they
// may call Send, Peers and the other node methods. They must not call Stop.
func (n *Node) Handle(pattern string, arity int, fn HandlerFunc) error {
	return n.router.Handle(pattern, arity, fn)
}

// Start binds the sockets and starts the readers and the event loop. Bind
// failures are returned. Calling Start on a running node logs a warning.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running || n.stopping {
		n.log.Warn("start called on a running node")
		return nil
	}

	conns, err := n.bind()
	if err != nil {
		return err
	}
	n.conns = conns

	self := n.opts.AdvertiseAddr
	if !self.IsValid() {
		self = advertisedAddr(conns[models.ClassLocalNode])
	}
	n.router.SetSelf(self)

	if conns[models.ClassRemoteNode] != nil {
		n.restoreSession()
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(n.ctx)
	for class, conn := range conns {
		group.Go(func() error {
			return n.readLoop(groupCtx, class, conn)
		})
	}
	group.Go(func() error {
		n.runHandlers(groupCtx)
		return nil
	})
	n.readers = group

	n.loopDone = make(chan struct{})
	go n.loop(n.ctx)

	n.running = true
	n.log.Info("node started",
		zap.Stringer("self", self),
		zap.Stringer("node_addr", conns[models.ClassLocalNode].LocalAddr()),
		zap.Stringer("client_addr", conns[models.ClassLocalClient].LocalAddr()),
	)
	return nil
}

// Stop tells node peers goodbye, closes the sockets and waits for the
// readers and the loop. Calling Stop on a stopped node logs a warning.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running || n.stopping {
		n.mu.Unlock()
		n.log.Warn("stop called on a node that is not running")
		return nil
	}
	n.stopping = true
	n.mu.Unlock()

	if err := n.do(n.farewell); err != nil {
		n.log.Debug("farewell skipped", zap.Error(err))
	}

	n.mu.Lock()
	n.running = false
	n.cancel()
	var err error
	for _, conn := range n.conns {
		err = multierr.Append(err, conn.Close())
	}
	readers, loopDone := n.readers, n.loopDone
	n.mu.Unlock()

	err = multierr.Append(err, readers.Wait())
	<-loopDone

	n.mu.Lock()
	n.stopping = false
	n.mu.Unlock()

	n.log.Info("node stopped")
	return err
}

// OnPeerEvent feeds a discovery observation to the loop. It never blocks;
// events are dropped with a warning when the loop is saturated.
func (n *Node) OnPeerEvent(addr netip.AddrPort, state PeerState) {
	select {
	case n.events <- peerEvent{addr: addr, state: state}:
	default:
		n.log.Warn("peer event queue full", zap.Stringer("addr", addr), zap.Stringer("state", state))
	}
}

// Pair configures the encrypted channel with session and persists it.
func (n *Node) Pair(session crypto.Session) error {
	framer, err := NewSealedFramer(session.Seed)
	if err != nil {
		return err
	}
	var pairErr error
	if err := n.do(func() { pairErr = n.pair(session, framer) }); err != nil {
		return err
	}
	if pairErr != nil {
		return pairErr
	}
	if n.opts.Sessions != nil {
		if err := n.opts.Sessions.SaveRemoteSession(session); err != nil {
			n.log.Warn("persist remote session failed", zap.Error(err))
		}
	}
	return nil
}

// Peers returns a snapshot of the registry ordered by hash.
func (n *Node) Peers() ([]models.Peer, error) {
	var peers []models.Peer
	err := n.do(func() { peers = n.reg.List(models.ClassAny) })
	return peers, err
}

// LocalPaths returns the paths this node announces.
func (n *Node) LocalPaths() ([]string, error) {
	var paths []string
	err := n.do(func() { paths = n.router.LocalPaths() })
	return paths, err
}

// LocalGroups returns the groups this node answers to.
func (n *Node) LocalGroups() ([]string, error) {
	var groups []string
	err := n.do(func() { groups = n.router.LocalGroups() })
	return groups, err
}

// Send forwards a message produced in this process the way a local client's
// message would be forwarded. It returns the number of recipients.
func (n *Node) Send(path string, args ...any) (int, error) {
	msg := osc.NewMessage(path, args...)
	if _, err := msg.TypeTags(); err != nil {
		return 0, err
	}
	if address.IsReserved(path) {
		return 0, fmt.Errorf("%w: %s", address.ErrInvalidPath, path)
	}
	var sent int
	err := n.do(func() { sent = n.router.Publish(msg.Address, msg.Args) })
	return sent, err
}

// do runs fn on the loop and waits for it.
func (n *Node) do(fn func()) error {
	n.mu.Lock()
	running, ctx := n.running, n.ctx
	n.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	done := make(chan struct{})
	select {
	case n.calls <- func() {
		defer close(done)
		fn()
	}:
	case <-ctx.Done():
		return ErrNotRunning
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrNotRunning
	}
}

func (n *Node) bind() (map[models.Class]*net.UDPConn, error) {
	conns := make(map[models.Class]*net.UDPConn, 3)
	open := func(class models.Class, addr netip.AddrPort) error {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
		if err != nil {
			return fmt.Errorf("bind %s socket %s: %w", class, addr, err)
		}
		conns[class] = conn
		return nil
	}

	err := open(models.ClassLocalNode, n.opts.NodeAddr)
	if err == nil {
		err = open(models.ClassLocalClient, n.opts.ClientAddr)
	}
	if err == nil && n.opts.RemoteAddr.IsValid() {
		err = open(models.ClassRemoteNode, n.opts.RemoteAddr)
	}
	if err != nil {
		for _, conn := range conns {
			_ = conn.Close()
		}
		return nil, err
	}
	return conns, nil
}

// restoreSession pairs from options or the store. Runs before the loop.
func (n *Node) restoreSession() {
	session := n.opts.Session
	if session == nil && n.opts.Sessions != nil {
		stored, ok, err := n.opts.Sessions.LatestRemoteSession()
		if err != nil {
			n.log.Warn("load remote session failed", zap.Error(err))
		}
		if ok {
			session = &stored
		}
	}
	if session == nil {
		return
	}
	framer, err := NewSealedFramer(session.Seed)
	if err != nil {
		n.log.Warn("remote session rejected", zap.Error(err))
		return
	}
	if err := n.pair(*session, framer); err != nil {
		n.log.Warn("remote pairing failed", zap.Error(err))
	}
}

func (n *Node) pair(session crypto.Session, framer *SealedFramer) error {
	if n.conns[models.ClassRemoteNode] == nil {
		return ErrNoRemoteSocket
	}
	addr := netip.AddrPortFrom(session.Addr.Addr().Unmap(), session.Addr.Port())
	if n.remote.IsValid() && n.remote != addr {
		if _, err := n.reg.Remove(n.remote); err != nil {
			n.log.Debug("previous remote peer already gone", zap.Stringer("addr", n.remote))
		}
	}
	n.sealed.Store(framer)
	n.remote = addr

	peer, _ := n.reg.Ensure(addr, models.ClassRemoteNode)
	n.greet(peer)
	n.log.Info("remote channel paired", zap.Stringer("remote", addr))
	if n.opts.Journal != nil {
		n.opts.Journal.RecordPeerEvent(journalPaired, peer)
	}
	return nil
}

func (n *Node) loop(ctx context.Context) {
	defer close(n.loopDone)

	sweep := n.clock.Ticker(n.opts.SweepInterval)
	defer sweep.Stop()
	announce := n.clock.Ticker(n.opts.AnnounceInterval)
	defer announce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-n.inbound:
			n.router.Dispatch(env)
		case ev := <-n.events:
			n.handlePeerEvent(ev)
		case fn := <-n.calls:
			fn()
		case <-sweep.C:
			n.reg.SweepExpired()
		case <-announce.C:
			n.announce()
		}
	}
}

// queueHandler hands a handler call to the handler goroutine. Calls are
// dropped when it falls behind.
func (n *Node) queueHandler(call func()) {
	select {
	case n.handlers <- call:
	default:
		n.log.Warn("handler queue full, message dropped")
		n.metrics.dropped("handler_queue")
	}
}

func (n *Node) runHandlers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-n.handlers:
			call()
		}
	}
}

func (n *Node) readLoop(ctx context.Context, class models.Class, conn *net.UDPConn) error {
	buf := make([]byte, 64*1024)
	for {
		size, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			n.log.Warn("read datagram failed", zap.Stringer("class", class), zap.Error(err))
			continue
		}

		framer := n.framerFor(class)
		if framer == nil {
			n.metrics.dropped("unpaired")
			continue
		}
		payload, err := framer.Unframe(buf[:size])
		if err != nil {
			n.log.Debug("frame dropped", zap.Stringer("from", from), zap.Error(err))
			n.metrics.dropped(dropReason(err))
			continue
		}
		msg, err := osc.Decode(payload)
		if err != nil {
			n.log.Debug("datagram dropped", zap.Stringer("from", from), zap.Error(err))
			n.metrics.dropped("malformed")
			continue
		}

		env := models.Envelope{
			Source:  netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			Class:   class,
			Address: msg.Address,
			Args:    msg.Args,
		}
		select {
		case n.inbound <- env:
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Node) framerFor(class models.Class) Framer {
	if class != models.ClassRemoteNode {
		return PlainFramer{}
	}
	if sealed := n.sealed.Load(); sealed != nil {
		return sealed
	}
	return nil
}

func (n *Node) linkFor(peer models.Peer) (Link, error) {
	conn := n.conns[peer.Class]
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLink, peer.Class)
	}
	switch peer.Class {
	case models.ClassLocalNode:
		return &nodeLink{datagramLink{conn: conn, addr: peer.Addr, framer: PlainFramer{}}}, nil
	case models.ClassRemoteNode:
		sealed := n.sealed.Load()
		if sealed == nil {
			return nil, fmt.Errorf("%w: remote channel not paired", ErrNoLink)
		}
		return &nodeLink{datagramLink{conn: conn, addr: peer.Addr, framer: sealed}}, nil
	case models.ClassLocalClient:
		return &clientLink{datagramLink{conn: conn, addr: peer.Addr, framer: PlainFramer{}}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoLink, peer.Class)
	}
}

// transmit encodes on the loop and sends from a goroutine of its own.
func (n *Node) transmit(peer models.Peer, msg osc.Message) {
	payload, err := osc.Encode(msg)
	if err != nil {
		n.log.Warn("encode outbound message failed", zap.String("path", msg.Address), zap.Error(err))
		n.metrics.dropped("encode")
		return
	}
	link, err := n.linkFor(peer)
	if err != nil {
		n.log.Debug("no link for peer", zap.Stringer("peer", peer.Addr), zap.Error(err))
		n.metrics.dropped("no_link")
		return
	}
	go n.deliver(link, peer, msg.Address, payload)
}

func (n *Node) deliver(link Link, peer models.Peer, path string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			n.log.Error("send panicked",
				zap.Stringer("peer", peer.Addr),
				zap.String("path", path),
				zap.Any("panic", rec),
			)
		}
	}()
	if err := link.Send(payload); err != nil {
		n.log.Debug("send failed", zap.Stringer("peer", peer.Addr), zap.String("path", path), zap.Error(err))
		if errors.Is(err, ErrFrameTooLarge) {
			n.metrics.dropped("oversize")
		} else {
			n.metrics.dropped("send")
		}
	}
}

// greet pushes this node's info to peer and asks for its own.
func (n *Node) greet(peer models.Peer) {
	n.transmit(peer, n.router.SelfInfo(peer.Class).Message(PathInfo))
	n.transmit(peer, osc.Message{Address: PathInfo})
}

func (n *Node) announce() {
	for _, peer := range n.reg.List(models.ClassAny) {
		if !peer.Class.IsNode() {
			continue
		}
		n.transmit(peer, n.router.SelfInfo(peer.Class).Message(PathInfo))
	}
}

func (n *Node) farewell() {
	for _, peer := range n.reg.List(models.ClassAny) {
		if !peer.Class.IsNode() {
			continue
		}
		link, err := n.linkFor(peer)
		if err != nil {
			continue
		}
		if err := link.Disconnect(); err != nil {
			n.log.Debug("disconnect notice failed", zap.Stringer("peer", peer.Addr), zap.Error(err))
		}
	}
}

func (n *Node) handlePeerEvent(ev peerEvent) {
	addr := netip.AddrPortFrom(ev.addr.Addr().Unmap(), ev.addr.Port())
	self := n.router.Self()
	if addr == self {
		return
	}

	switch ev.state {
	case PeerAdded, PeerUpdated:
		if err := n.reg.Touch(addr); err == nil {
			return
		}
		if models.HashAddr(self) == models.HashAddr(addr) {
			n.log.Warn("peer hash collides with self, skipping", zap.Stringer("peer", addr))
			return
		}
		if !models.IsInitiator(self, addr) {
			n.log.Debug("waiting for peer to initiate", zap.Stringer("peer", addr))
			return
		}
		peer, _ := n.reg.Ensure(addr, models.ClassLocalNode)
		n.greet(peer)
	case PeerRemoved:
		if _, err := n.reg.Remove(addr); err != nil {
			n.log.Debug("removed peer was not registered", zap.Stringer("peer", addr))
		}
	}
}

func (n *Node) onPeerChange(kind registry.ChangeKind, peer models.Peer) {
	if n.opts.Journal != nil {
		n.opts.Journal.RecordPeerEvent(string(kind), peer)
	}
	if n.metrics != nil {
		counts := make(map[models.Class]int)
		for _, p := range n.reg.List(models.ClassAny) {
			counts[p.Class]++
		}
		n.metrics.setPeers(counts)
	}
}

// advertisedAddr picks the address announced for a bound socket. Wildcard
// binds announce the outbound interface address.
func advertisedAddr(conn *net.UDPConn) netip.AddrPort {
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	ip := local.Addr().Unmap()
	if ip.IsUnspecified() {
		ip = OutboundIP()
	}
	return netip.AddrPortFrom(ip, local.Port())
}

// OutboundIP returns the address of the interface used for LAN traffic,
// falling back to loopback.
func OutboundIP() netip.Addr {
	conn, err := net.Dial("udp4", "224.0.0.251:5353")
	if err != nil {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
	if !addr.IsValid() || addr.IsUnspecified() {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return addr
}
