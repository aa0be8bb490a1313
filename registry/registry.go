// Package registry keeps the set of peers a node knows about and answers
// routing queries against their subscriptions.
package registry

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"oscmesh/address"
	"oscmesh/models"
)

var (
	// ErrNotFound indicates the peer is not (or no longer) registered. Callers
	// race against expiry and should treat it as a vanished peer.
	ErrNotFound = errors.New("registry: peer not found")
)

// ChangeKind describes a registry membership change.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeRemoved ChangeKind = "removed"
	ChangeExpired ChangeKind = "expired"
	// ChangeDisconnected marks a peer that announced its own departure.
	ChangeDisconnected ChangeKind = "disconnected"
)

// Options configures a Registry.
type Options struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	Matcher *address.Matcher

	// NodeTimeout overrides the expiry of node peers created by Ensure.
	NodeTimeout time.Duration

	// OnChange is called after a peer is created, removed or expired. It runs
	// without the registry lock held.
	OnChange func(kind ChangeKind, peer models.Peer)
}

func (o Options) withDefaults() Options {
	out := o
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Matcher == nil {
		out.Matcher = address.NewMatcher(address.DefaultCacheSize)
	}
	return out
}

// Registry maps peer hashes to peer state.
type Registry struct {
	clock       clock.Clock
	log         *zap.Logger
	matcher     *address.Matcher
	nodeTimeout time.Duration
	onChange    func(ChangeKind, models.Peer)

	mu    sync.RWMutex
	peers map[models.Hash]*models.Peer
}

// New creates an empty registry.
func New(options Options) *Registry {
	opts := options.withDefaults()
	return &Registry{
		clock:       opts.Clock,
		log:         opts.Logger,
		matcher:     opts.Matcher,
		nodeTimeout: opts.NodeTimeout,
		onChange:    opts.OnChange,
		peers:       make(map[models.Hash]*models.Peer),
	}
}

// Now returns the registry clock time.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// Add inserts or replaces peer by hash.
func (r *Registry) Add(peer models.Peer) {
	stored := peer.Clone()
	stored.Addr = models.CanonicalAddr(peer.Addr)
	stored.Hash = models.HashAddr(stored.Addr)

	r.mu.Lock()
	_, exists := r.peers[stored.Hash]
	r.peers[stored.Hash] = &stored
	r.mu.Unlock()

	if !exists {
		r.log.Info("peer added",
			zap.Stringer("addr", stored.Addr),
			zap.Stringer("class", stored.Class),
			zap.Stringer("hash", stored.Hash),
		)
		r.notify(ChangeCreated, stored)
	}
}

// Ensure returns the peer for addr, creating it with class when unknown.
func (r *Registry) Ensure(addr netip.AddrPort, class models.Class) (models.Peer, bool) {
	if peer, err := r.Get(addr); err == nil {
		return peer, false
	}
	peer := models.NewPeer(addr, class, r.clock.Now())
	if class != models.ClassLocalClient && r.nodeTimeout > 0 {
		peer.Timeout = r.nodeTimeout
	}

	r.mu.Lock()
	if existing, ok := r.peers[peer.Hash]; ok {
		out := existing.Clone()
		r.mu.Unlock()
		return out, false
	}
	stored := peer.Clone()
	r.peers[peer.Hash] = &stored
	r.mu.Unlock()

	r.log.Info("peer added",
		zap.Stringer("addr", peer.Addr),
		zap.Stringer("class", peer.Class),
		zap.Stringer("hash", peer.Hash),
	)
	r.notify(ChangeCreated, peer)
	return peer, true
}

// Get returns a copy of the peer registered for addr.
func (r *Registry) Get(addr netip.AddrPort) (models.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[models.HashAddr(addr)]
	if !ok {
		return models.Peer{}, ErrNotFound
	}
	return peer.Clone(), nil
}

// Remove deletes the peer registered for addr.
func (r *Registry) Remove(addr netip.AddrPort) (models.Peer, error) {
	return r.RemoveAs(addr, ChangeRemoved)
}

// RemoveAs deletes the peer registered for addr and reports the change as
// kind.
func (r *Registry) RemoveAs(addr netip.AddrPort, kind ChangeKind) (models.Peer, error) {
	hash := models.HashAddr(addr)

	r.mu.Lock()
	peer, ok := r.peers[hash]
	if ok {
		delete(r.peers, hash)
	}
	r.mu.Unlock()

	if !ok {
		return models.Peer{}, ErrNotFound
	}
	out := peer.Clone()
	r.log.Info("peer removed",
		zap.Stringer("addr", out.Addr),
		zap.Stringer("class", out.Class),
		zap.String("reason", string(kind)),
	)
	r.notify(kind, out)
	return out, nil
}

// Touch refreshes the last-update time of the peer registered for addr.
func (r *Registry) Touch(addr netip.AddrPort) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[models.HashAddr(addr)]
	if !ok {
		return ErrNotFound
	}
	peer.LastUpdate = now
	return nil
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// List returns every peer of class, or all peers for models.ClassAny,
// ordered by hash.
func (r *Registry) List(class models.Class) []models.Peer {
	r.mu.RLock()
	out := make([]models.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		if class != models.ClassAny && peer.Class != class {
			continue
		}
		out = append(out, peer.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Hash < out[j].Hash
	})
	return out
}

// ListSubscribedTo returns the peers of class whose subscriptions match path.
//
// When path starts with a group segment, peers that carry groups (nodes)
// only qualify if they belong to that group or the group is ALL, and the
// remainder of the path is matched. Peers without groups (clients) are
// matched on the remainder alone.
func (r *Registry) ListSubscribedTo(path string, class models.Class) []models.Peer {
	group, rest, grouped := address.SplitGroup(path)

	candidates := r.List(class)
	out := candidates[:0]
	for _, peer := range candidates {
		target := path
		if grouped {
			if peer.Groups != nil && !peer.InGroup(group) {
				continue
			}
			target = rest
		}
		if r.matcher.MatchAny(peer.Paths, target) {
			out = append(out, peer)
		}
	}
	return out
}

// SweepExpired removes and returns every peer whose timeout has elapsed.
func (r *Registry) SweepExpired() []models.Peer {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []models.Peer
	for hash, peer := range r.peers {
		if peer.IsExpired(now) {
			expired = append(expired, peer.Clone())
			delete(r.peers, hash)
		}
	}
	r.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Hash < expired[j].Hash
	})
	for _, peer := range expired {
		r.log.Info("peer expired",
			zap.Stringer("addr", peer.Addr),
			zap.Stringer("class", peer.Class),
			zap.Duration("silent_for", now.Sub(peer.LastUpdate)),
		)
		r.notify(ChangeExpired, peer)
	}
	return expired
}

func (r *Registry) notify(kind ChangeKind, peer models.Peer) {
	if r.onChange != nil {
		r.onChange(kind, peer)
	}
}
