package models

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"
)

// GroupAll is the implicit wildcard group every node belongs to.
const GroupAll = "ALL"

// DefaultNodeTimeout is how long a node may stay silent before it expires.
const DefaultNodeTimeout = 20 * time.Second

// Class identifies the kind of endpoint a peer is. The numeric values are
// the ones carried in peer-info payloads.
type Class int

const (
	// ClassAny matches every class when used as a filter.
	ClassAny Class = iota
	// ClassLocalNode is another node on the local network.
	ClassLocalNode
	// ClassLocalClient is a client attached to this node.
	ClassLocalClient
	// ClassRemoteNode is the node reached through the encrypted tunnel.
	ClassRemoteNode
)

func (c Class) String() string {
	switch c {
	case ClassAny:
		return "any"
	case ClassLocalNode:
		return "local_node"
	case ClassLocalClient:
		return "local_client"
	case ClassRemoteNode:
		return "remote_node"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// IsNode reports whether the class is a local or remote node.
func (c Class) IsNode() bool {
	return c == ClassLocalNode || c == ClassRemoteNode
}

// Valid reports whether c is a concrete peer class.
func (c Class) Valid() bool {
	return c >= ClassLocalNode && c <= ClassRemoteNode
}

// Hash is the stable content hash of a peer address.
type Hash uint64

func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// HashAddr hashes the canonical host:port form of addr.
func HashAddr(addr netip.AddrPort) Hash {
	return Hash(xxhash.Sum64String(CanonicalAddr(addr).String()))
}

// IsInitiator reports whether self should open the session with other.
// Exactly one side wins for distinct addresses unless the hashes collide.
func IsInitiator(self, other netip.AddrPort) bool {
	return HashAddr(self) > HashAddr(other)
}

// CanonicalAddr unmaps v4-in-v6 addresses so one endpoint has one form.
func CanonicalAddr(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Peer is the identity and subscription state of one known endpoint.
type Peer struct {
	Addr  netip.AddrPort
	Hash  Hash
	Class Class

	// Groups is nil for clients. For nodes the first entry is the display name.
	Groups []string
	// Joined holds the groups a client joined. Always nil for nodes.
	Joined []string
	Paths  []string

	LastUpdate time.Time
	Timeout    time.Duration
}

// NewPeer builds a peer for addr with class defaults applied.
func NewPeer(addr netip.AddrPort, class Class, now time.Time) Peer {
	addr = CanonicalAddr(addr)
	p := Peer{
		Addr:       addr,
		Hash:       HashAddr(addr),
		Class:      class,
		LastUpdate: now,
	}
	if class != ClassLocalClient {
		p.Groups = []string{}
		p.Timeout = DefaultNodeTimeout
	}
	return p
}

// Name returns the display name of a node, or the address for clients and
// nodes that have not announced themselves yet.
func (p Peer) Name() string {
	if len(p.Groups) > 0 {
		return p.Groups[0]
	}
	return p.Addr.String()
}

// IsExpired reports whether the peer has been silent for its whole timeout.
func (p Peer) IsExpired(now time.Time) bool {
	if p.Timeout <= 0 {
		return false
	}
	return now.Sub(p.LastUpdate) >= p.Timeout
}

// InGroup reports whether a node peer answers to group. ALL always matches.
func (p Peer) InGroup(group string) bool {
	if group == GroupAll {
		return true
	}
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot alias registry state.
func (p Peer) Clone() Peer {
	out := p
	out.Groups = cloneStrings(p.Groups)
	out.Joined = cloneStrings(p.Joined)
	out.Paths = cloneStrings(p.Paths)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}
