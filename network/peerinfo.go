package network

import (
	"errors"
	"fmt"
	"net/netip"

	"oscmesh/address"
	"oscmesh/models"
	"oscmesh/osc"
)

const peerInfoArity = 5

// ErrInvalidPeerInfo indicates a peer-info payload of the wrong shape.
var ErrInvalidPeerInfo = errors.New("network: invalid peer info")

// PeerInfo is the self-description a node announces on PathInfo:
// [class int32, host string, port int32, groups string, paths string].
type PeerInfo struct {
	Class  models.Class
	Addr   netip.AddrPort
	Groups []string
	Paths  []string
}

// PeerInfoOf describes a registry peer.
func PeerInfoOf(peer models.Peer) PeerInfo {
	groups := peer.Groups
	if peer.Class == models.ClassLocalClient {
		groups = peer.Joined
	}
	return PeerInfo{Class: peer.Class, Addr: peer.Addr, Groups: groups, Paths: peer.Paths}
}

// Args returns the wire arguments of info.
func (info PeerInfo) Args() []any {
	return []any{
		int32(info.Class),
		info.Addr.Addr().String(),
		int32(info.Addr.Port()),
		address.JoinList(info.Groups),
		address.JoinList(info.Paths),
	}
}

// Message wraps info in an OSC message on path.
func (info PeerInfo) Message(path string) osc.Message {
	return osc.Message{Address: path, Args: info.Args()}
}

// ParsePeerInfo decodes a peer-info argument list.
func ParsePeerInfo(args []any) (PeerInfo, error) {
	if len(args) != peerInfoArity {
		return PeerInfo{}, fmt.Errorf("%w: %d arguments", ErrInvalidPeerInfo, len(args))
	}
	class, ok := args[0].(int32)
	if !ok || !models.Class(class).Valid() {
		return PeerInfo{}, fmt.Errorf("%w: class %v", ErrInvalidPeerInfo, args[0])
	}
	host, ok := args[1].(string)
	if !ok {
		return PeerInfo{}, fmt.Errorf("%w: host %v", ErrInvalidPeerInfo, args[1])
	}
	port, ok := args[2].(int32)
	if !ok || port < 0 || port > 65535 {
		return PeerInfo{}, fmt.Errorf("%w: port %v", ErrInvalidPeerInfo, args[2])
	}
	groups, ok := args[3].(string)
	if !ok {
		return PeerInfo{}, fmt.Errorf("%w: groups %v", ErrInvalidPeerInfo, args[3])
	}
	paths, ok := args[4].(string)
	if !ok {
		return PeerInfo{}, fmt.Errorf("%w: paths %v", ErrInvalidPeerInfo, args[4])
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("%w: host %q", ErrInvalidPeerInfo, host)
	}
	return PeerInfo{
		Class:  models.Class(class),
		Addr:   netip.AddrPortFrom(ip, uint16(port)),
		Groups: address.SplitList(groups),
		Paths:  address.SplitList(paths),
	}, nil
}
