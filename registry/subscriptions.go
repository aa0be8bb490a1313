package registry

import (
	"net/netip"

	"oscmesh/address"
	"oscmesh/models"
)

// Delta lists the entries a subscription update added and removed.
type Delta struct {
	Added   []string
	Removed []string
}

// Empty reports whether the update changed nothing.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// UpdateSubscriptions replaces the groups and paths of the peer registered
// for addr with the space-separated lists groups and paths, refreshes it and
// returns what changed. Applying the same lists twice yields empty deltas.
//
// For nodes groups replaces Groups; for clients it replaces Joined.
func (r *Registry) UpdateSubscriptions(addr netip.AddrPort, groups, paths string) (groupDelta, pathDelta Delta, err error) {
	nextGroups := address.SplitList(groups)
	nextPaths := address.SplitList(paths)

	err = r.mutate(addr, func(peer *models.Peer) {
		if peer.Class == models.ClassLocalClient {
			groupDelta = diff(peer.Joined, nextGroups)
			peer.Joined = nextGroups
		} else {
			groupDelta = diff(peer.Groups, nextGroups)
			peer.Groups = nextGroups
		}
		pathDelta = diff(peer.Paths, nextPaths)
		peer.Paths = nextPaths
	})
	return groupDelta, pathDelta, err
}

// AddPaths subscribes the peer to paths it does not already hold.
func (r *Registry) AddPaths(addr netip.AddrPort, paths ...string) (Delta, error) {
	var delta Delta
	err := r.mutate(addr, func(peer *models.Peer) {
		next := union(peer.Paths, paths)
		delta = diff(peer.Paths, next)
		peer.Paths = next
	})
	return delta, err
}

// RemovePaths unsubscribes the peer from paths.
func (r *Registry) RemovePaths(addr netip.AddrPort, paths ...string) (Delta, error) {
	var delta Delta
	err := r.mutate(addr, func(peer *models.Peer) {
		next := subtract(peer.Paths, paths)
		delta = diff(peer.Paths, next)
		peer.Paths = next
	})
	return delta, err
}

// ClearPaths drops every subscription of the peer.
func (r *Registry) ClearPaths(addr netip.AddrPort) (Delta, error) {
	var delta Delta
	err := r.mutate(addr, func(peer *models.Peer) {
		delta = diff(peer.Paths, nil)
		peer.Paths = []string{}
	})
	return delta, err
}

// JoinGroups adds groups to a client's joined set, or to a node's groups.
func (r *Registry) JoinGroups(addr netip.AddrPort, groups ...string) (Delta, error) {
	var delta Delta
	err := r.mutate(addr, func(peer *models.Peer) {
		current := memberships(peer)
		next := union(*current, groups)
		delta = diff(*current, next)
		*current = next
	})
	return delta, err
}

// LeaveGroups removes groups from a client's joined set, or a node's groups.
func (r *Registry) LeaveGroups(addr netip.AddrPort, groups ...string) (Delta, error) {
	var delta Delta
	err := r.mutate(addr, func(peer *models.Peer) {
		current := memberships(peer)
		next := subtract(*current, groups)
		delta = diff(*current, next)
		*current = next
	})
	return delta, err
}

// ClearGroups empties a client's joined set, or a node's groups.
func (r *Registry) ClearGroups(addr netip.AddrPort) (Delta, error) {
	var delta Delta
	err := r.mutate(addr, func(peer *models.Peer) {
		current := memberships(peer)
		delta = diff(*current, nil)
		*current = []string{}
	})
	return delta, err
}

func (r *Registry) mutate(addr netip.AddrPort, fn func(peer *models.Peer)) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[models.HashAddr(addr)]
	if !ok {
		return ErrNotFound
	}
	fn(peer)
	peer.LastUpdate = now
	return nil
}

func memberships(peer *models.Peer) *[]string {
	if peer.Class == models.ClassLocalClient {
		return &peer.Joined
	}
	return &peer.Groups
}

func diff(before, after []string) Delta {
	var d Delta
	old := toSet(before)
	next := toSet(after)
	for _, s := range after {
		if _, ok := old[s]; !ok {
			d.Added = append(d.Added, s)
		}
	}
	for _, s := range before {
		if _, ok := next[s]; !ok {
			d.Removed = append(d.Removed, s)
		}
	}
	return d
}

func union(base, extra []string) []string {
	out := append(make([]string, 0, len(base)+len(extra)), base...)
	seen := toSet(base)
	for _, s := range extra {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func subtract(base, drop []string) []string {
	gone := toSet(drop)
	out := make([]string, 0, len(base))
	for _, s := range base {
		if _, ok := gone[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
