package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// EventPeerAdded is emitted the first time a node is browsed.
	EventPeerAdded EventType = "peer_added"
	// EventPeerUpdated is emitted every time a known node is browsed again.
	EventPeerUpdated EventType = "peer_updated"
	// EventPeerRemoved is emitted when a node drops out of a browse window.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a node seen on the LAN.
type DiscoveredPeer struct {
	NodeID    string
	Name      string
	Version   int
	HostName  string
	Port      int
	Addresses []netip.Addr
	LastSeen  time.Time
}

// Addr returns the node endpoint, preferring the first IPv4 address.
func (p DiscoveredPeer) Addr() (netip.AddrPort, bool) {
	if p.Port <= 0 || p.Port > 65535 {
		return netip.AddrPort{}, false
	}
	for _, addr := range p.Addresses {
		if addr.Is4() {
			return netip.AddrPortFrom(addr, uint16(p.Port)), true
		}
	}
	if len(p.Addresses) > 0 {
		return netip.AddrPortFrom(p.Addresses[0], uint16(p.Port)), true
	}
	return netip.AddrPort{}, false
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers nodes with periodic and manual mDNS browses.
type PeerScanner struct {
	cfg Config
	log *zap.Logger

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		log:             cfg.Logger.Named("discovery"),
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops scanning and closes the event channel.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Slow consumers miss
// events rather than stall the scanner.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it to finish.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the nodes seen in the latest browse window.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(context.Background()); err != nil {
		s.log.Warn("initial browse failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				s.log.Warn("browse failed", zap.Error(err))
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.NodeID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.NodeID] = peer
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A stopped scanner must not report a partial window as removals.
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(collected)

	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		if _, exists := previous[id]; exists {
			s.emitEvent(Event{Type: EventPeerUpdated, Peer: peer})
			continue
		}
		s.log.Debug("node discovered", zap.String("node_id", id), zap.String("name", peer.Name))
		s.emitEvent(Event{Type: EventPeerAdded, Peer: peer})
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.log.Debug("node gone", zap.String("node_id", id), zap.String("name", peer.Name))
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		s.log.Warn("discovery event dropped", zap.String("type", string(event.Type)))
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt[txtNodeID])
	if nodeID == "" || nodeID == selfNodeID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	addresses := collectAddrs(entry.AddrIPv4, entry.AddrIPv6)
	if len(addresses) == 0 {
		return DiscoveredPeer{}, false
	}

	name := strings.TrimSpace(txt[txtName])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = nodeID
	}

	return DiscoveredPeer{
		NodeID:    nodeID,
		Name:      name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

// collectAddrs keeps IPv4 addresses ahead of IPv6 ones, each group sorted.
func collectAddrs(v4, v6 []net.IP) []netip.Addr {
	out := make([]netip.Addr, 0, len(v4)+len(v6))
	seen := make(map[netip.Addr]struct{})
	for _, group := range [][]net.IP{v4, v6} {
		start := len(out)
		for _, ip := range group {
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if _, exists := seen[addr]; exists {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
		sort.Slice(out[start:], func(i, j int) bool {
			return out[start+i].Less(out[start+j])
		})
	}
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
