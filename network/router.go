package network

import (
	"errors"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"oscmesh/address"
	"oscmesh/models"
	"oscmesh/osc"
	"oscmesh/registry"
)

// AnyArity accepts messages with any number of arguments.
const AnyArity = -1

// HandlerFunc consumes a message delivered to this node. The envelope
// address has any group segment stripped.
type HandlerFunc func(env models.Envelope)

// Transmitter hands an outbound message to the link of peer. It must not
// block the caller.
type Transmitter func(peer models.Peer, msg osc.Message)

// Invoker runs a matched handler call. It must not block the caller.
type Invoker func(call func())

type handler struct {
	pattern string
	arity   int
	fn      HandlerFunc
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Name is this node's display name and first group.
	Name     string
	Registry *registry.Registry
	Matcher  *address.Matcher
	Transmit Transmitter
	// Invoke runs handler calls. Handlers run inline on Dispatch when nil.
	Invoke   Invoker
	Metrics  *Metrics
	Logger   *zap.Logger
}

func (o RouterOptions) withDefaults() RouterOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Matcher == nil {
		out.Matcher = address.NewMatcher(address.DefaultCacheSize)
	}
	if out.Transmit == nil {
		out.Transmit = func(models.Peer, osc.Message) {}
	}
	if out.Invoke == nil {
		out.Invoke = func(call func()) { call() }
	}
	return out
}

// Router decides where each inbound message goes. Dispatch must be called
// from a single goroutine.
type Router struct {
	name     string
	reg      *registry.Registry
	matcher  *address.Matcher
	transmit Transmitter
	invoke   Invoker
	metrics  *Metrics
	log      *zap.Logger

	self netip.AddrPort

	handlersMu sync.RWMutex
	handlers   []handler
}

// NewRouter creates a router over reg.
func NewRouter(options RouterOptions) *Router {
	opts := options.withDefaults()
	return &Router{
		name:     opts.Name,
		reg:      opts.Registry,
		matcher:  opts.Matcher,
		transmit: opts.Transmit,
		invoke:   opts.Invoke,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

// SetSelf records the address this node announces.
func (r *Router) SetSelf(addr netip.AddrPort) {
	r.self = addr
}

// Self returns the announced address.
func (r *Router) Self() netip.AddrPort {
	return r.self
}

// Name returns the node display name.
func (r *Router) Name() string {
	return r.name
}

// Handle registers fn for ungrouped paths matching pattern. Messages whose
// argument count differs from arity are skipped unless arity is AnyArity.
func (r *Router) Handle(pattern string, arity int, fn HandlerFunc) error {
	if err := address.ValidatePath(pattern); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("network: nil handler")
	}
	r.handlersMu.Lock()
	r.handlers = append(r.handlers, handler{pattern: pattern, arity: arity, fn: fn})
	r.handlersMu.Unlock()
	return nil
}

// LocalGroups returns this node's name, ALL and every group a local client
// joined.
func (r *Router) LocalGroups() []string {
	groups := []string{r.name, models.GroupAll}
	seen := map[string]struct{}{r.name: {}, models.GroupAll: {}}
	for _, peer := range r.reg.List(models.ClassLocalClient) {
		for _, g := range peer.Joined {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			groups = append(groups, g)
		}
	}
	return groups
}

// LocalPaths returns the union of local client subscriptions and handler
// patterns.
func (r *Router) LocalPaths() []string {
	var paths []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}

	for _, peer := range r.reg.List(models.ClassLocalClient) {
		for _, p := range peer.Paths {
			add(p)
		}
	}
	r.handlersMu.RLock()
	for _, h := range r.handlers {
		add(h.pattern)
	}
	r.handlersMu.RUnlock()
	return paths
}

// SelfInfo describes this node to a peer of class to.
func (r *Router) SelfInfo(to models.Class) PeerInfo {
	class := models.ClassLocalNode
	if to == models.ClassRemoteNode {
		class = models.ClassRemoteNode
	}
	return PeerInfo{
		Class:  class,
		Addr:   r.self,
		Groups: r.LocalGroups(),
		Paths:  r.LocalPaths(),
	}
}

// Dispatch routes one inbound message. The sender is registered or
// refreshed before any routing decision reads the registry.
func (r *Router) Dispatch(env models.Envelope) {
	class := env.Class
	if !class.Valid() {
		class = models.ClassLocalClient
	}
	sender, created := r.reg.Ensure(env.Source, class)
	if !created {
		if err := r.reg.Touch(env.Source); err != nil {
			r.log.Debug("sender vanished before refresh", zap.Stringer("addr", env.Source))
		}
	}
	r.metrics.received(sender.Class)

	if op := LookupControl(env.Address); op != OpNone {
		r.control(op, sender, env.Args)
		return
	}
	if address.IsReserved(env.Address) {
		r.drop("unknown_control", env.Address, sender)
		return
	}

	if sender.Class == models.ClassLocalClient {
		r.fromClient(sender, env)
		return
	}
	r.fromNode(sender, env)
}

// Publish forwards a message produced inside this process as if a local
// client had sent it, without delivering it to local handlers. It returns
// the number of recipients.
func (r *Router) Publish(path string, args []any) int {
	return r.relay(models.HashAddr(r.self), path, args)
}

func (r *Router) fromClient(sender models.Peer, env models.Envelope) {
	if group, rest, grouped := address.SplitGroup(env.Address); grouped {
		if r.acceptsGroup(group) {
			r.deliverLocal(sender, rest, env.Args)
		}
	} else {
		r.deliverLocal(sender, env.Address, env.Args)
	}
	r.relay(sender.Hash, env.Address, env.Args)
}

// relay forwards a client-originated path. Ungrouped paths stay among local
// clients; grouped paths reach every subscribed peer, with the group
// stripped for clients.
func (r *Router) relay(exclude models.Hash, path string, args []any) int {
	group, rest, grouped := address.SplitGroup(path)
	if !grouped {
		sent := 0
		for _, peer := range r.reg.ListSubscribedTo(path, models.ClassLocalClient) {
			if peer.Hash == exclude {
				continue
			}
			r.send(peer, osc.Message{Address: path, Args: args})
			sent++
		}
		return sent
	}

	sent := 0
	for _, peer := range r.reg.ListSubscribedTo(path, models.ClassAny) {
		if peer.Hash == exclude {
			continue
		}
		if peer.Class == models.ClassLocalClient {
			if !r.clientAccepts(peer, group) {
				continue
			}
			r.send(peer, osc.Message{Address: rest, Args: args})
		} else {
			r.send(peer, osc.Message{Address: path, Args: args})
		}
		sent++
	}
	return sent
}

func (r *Router) fromNode(sender models.Peer, env models.Envelope) {
	group, rest, grouped := address.SplitGroup(env.Address)
	if !grouped {
		r.drop("ungrouped", env.Address, sender)
		return
	}
	if !r.acceptsGroup(group) {
		r.drop("foreign_group", env.Address, sender)
		return
	}

	r.deliverLocal(sender, rest, env.Args)
	for _, peer := range r.reg.ListSubscribedTo(rest, models.ClassLocalClient) {
		if !r.clientAccepts(peer, group) {
			continue
		}
		r.send(peer, osc.Message{Address: rest, Args: env.Args})
	}
}

func (r *Router) acceptsGroup(group string) bool {
	for _, g := range r.LocalGroups() {
		if g == group {
			return true
		}
	}
	return false
}

// clientAccepts reports whether a client receives messages for group.
func (r *Router) clientAccepts(client models.Peer, group string) bool {
	if group == models.GroupAll || group == r.name {
		return true
	}
	for _, g := range client.Joined {
		if g == group {
			return true
		}
	}
	return false
}

func (r *Router) deliverLocal(sender models.Peer, path string, args []any) {
	r.handlersMu.RLock()
	handlers := append([]handler(nil), r.handlers...)
	r.handlersMu.RUnlock()

	env := models.Envelope{Source: sender.Addr, Class: sender.Class, Address: path, Args: args}
	for _, h := range handlers {
		if !r.matcher.Match(h.pattern, path) {
			continue
		}
		if h.arity != AnyArity && h.arity != len(args) {
			r.log.Debug("handler arity mismatch",
				zap.String("pattern", h.pattern),
				zap.Int("want", h.arity),
				zap.Int("got", len(args)),
			)
			r.metrics.dropped("arity")
			continue
		}
		r.invoke(func() { r.callHandler(h, env) })
	}
}

func (r *Router) callHandler(h handler, env models.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panicked",
				zap.String("pattern", h.pattern),
				zap.String("path", env.Address),
				zap.Any("panic", rec),
			)
		}
	}()
	h.fn(env)
}

func (r *Router) send(peer models.Peer, msg osc.Message) {
	r.metrics.forwarded(peer.Class)
	r.transmit(peer, msg)
}

func (r *Router) reply(to models.Peer, path string, args ...any) {
	r.send(to, osc.Message{Address: path, Args: args})
}

func (r *Router) drop(reason, path string, sender models.Peer) {
	r.log.Debug("message dropped",
		zap.String("reason", reason),
		zap.String("path", path),
		zap.Stringer("from", sender.Addr),
		zap.Stringer("class", sender.Class),
	)
	r.metrics.dropped(reason)
}

func (r *Router) control(op ControlOp, sender models.Peer, args []any) {
	if !op.acceptsArity(len(args)) {
		r.drop("arity", op.Path(), sender)
		return
	}
	if op.clientOnly() && sender.Class != models.ClassLocalClient {
		r.drop("not_client", op.Path(), sender)
		return
	}

	switch op {
	case OpInfo:
		if len(args) == 0 {
			r.send(sender, r.SelfInfo(sender.Class).Message(PathInfo))
			return
		}
		r.applyPeerInfo(sender, args)
	case OpPeers:
		for _, peer := range r.reg.List(models.ClassAny) {
			if peer.Hash == sender.Hash {
				continue
			}
			r.send(sender, PeerInfoOf(peer).Message(PathPeers))
		}
	case OpDisconnect:
		if _, err := r.reg.RemoveAs(sender.Addr, registry.ChangeDisconnected); err != nil {
			r.log.Debug("disconnect from unknown peer", zap.Stringer("addr", sender.Addr))
		}
	case OpListPaths:
		r.reply(sender, PathListPaths, stringsToArgs(r.LocalPaths())...)
	case OpListGroups:
		r.reply(sender, PathListGroups, stringsToArgs(r.LocalGroups())...)
	case OpListNames:
		var names []string
		for _, peer := range r.reg.List(models.ClassAny) {
			if peer.Class.IsNode() {
				names = append(names, peer.Name())
			}
		}
		r.reply(sender, PathListNames, stringsToArgs(names)...)
	case OpJoinGroup, OpLeaveGroup:
		r.changeGroups(op, sender, args)
	case OpClearGroups:
		r.logDelta(sender, "groups", r.reg.ClearGroups)
	case OpAddPath, OpDeletePath:
		r.changePaths(op, sender, args)
	case OpClearPaths:
		r.logDelta(sender, "paths", r.reg.ClearPaths)
	}
}

func (r *Router) applyPeerInfo(sender models.Peer, args []any) {
	if !sender.Class.IsNode() {
		r.drop("not_node", PathInfo, sender)
		return
	}
	info, err := ParsePeerInfo(args)
	if err != nil {
		r.log.Debug("bad peer info", zap.Stringer("from", sender.Addr), zap.Error(err))
		r.metrics.dropped("malformed")
		return
	}
	groupDelta, pathDelta, err := r.reg.UpdateSubscriptions(sender.Addr,
		address.JoinList(info.Groups), address.JoinList(info.Paths))
	if err != nil {
		r.log.Debug("peer info from vanished peer", zap.Stringer("from", sender.Addr))
		return
	}
	if !groupDelta.Empty() || !pathDelta.Empty() {
		r.log.Info("peer subscriptions changed",
			zap.Stringer("peer", sender.Addr),
			zap.Strings("groups_added", groupDelta.Added),
			zap.Strings("groups_removed", groupDelta.Removed),
			zap.Strings("paths_added", pathDelta.Added),
			zap.Strings("paths_removed", pathDelta.Removed),
		)
	}
}

func (r *Router) changeGroups(op ControlOp, sender models.Peer, args []any) {
	names, ok := argsToStrings(args)
	if !ok {
		r.drop("malformed", op.Path(), sender)
		return
	}
	groups := make([]string, 0, len(names))
	for _, name := range names {
		group, err := address.NormalizeGroup(name)
		if err != nil || group == r.name || group == models.GroupAll {
			r.log.Warn("group name rejected", zap.String("group", name), zap.Stringer("client", sender.Addr))
			continue
		}
		groups = append(groups, group)
	}
	if len(groups) == 0 {
		return
	}
	if op == OpJoinGroup {
		r.logDelta(sender, "groups", func(addr netip.AddrPort) (registry.Delta, error) {
			return r.reg.JoinGroups(addr, groups...)
		})
		return
	}
	r.logDelta(sender, "groups", func(addr netip.AddrPort) (registry.Delta, error) {
		return r.reg.LeaveGroups(addr, groups...)
	})
}

func (r *Router) changePaths(op ControlOp, sender models.Peer, args []any) {
	paths, ok := argsToStrings(args)
	if !ok {
		r.drop("malformed", op.Path(), sender)
		return
	}
	if op == OpDeletePath {
		r.logDelta(sender, "paths", func(addr netip.AddrPort) (registry.Delta, error) {
			return r.reg.RemovePaths(addr, paths...)
		})
		return
	}

	valid := paths[:0]
	for _, p := range paths {
		if err := address.ValidatePath(p); err != nil {
			r.log.Warn("subscription path rejected", zap.String("path", p), zap.Stringer("client", sender.Addr))
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return
	}
	r.logDelta(sender, "paths", func(addr netip.AddrPort) (registry.Delta, error) {
		return r.reg.AddPaths(addr, valid...)
	})
}

func (r *Router) logDelta(sender models.Peer, what string, apply func(netip.AddrPort) (registry.Delta, error)) {
	delta, err := apply(sender.Addr)
	if err != nil {
		r.log.Debug("subscription change for vanished peer", zap.Stringer("addr", sender.Addr))
		return
	}
	if delta.Empty() {
		return
	}
	r.log.Info("client subscriptions changed",
		zap.Stringer("client", sender.Addr),
		zap.String("kind", what),
		zap.Strings("added", delta.Added),
		zap.Strings("removed", delta.Removed),
	)
}

func argsToStrings(args []any) ([]string, bool) {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		s, ok := arg.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func stringsToArgs(items []string) []any {
	out := make([]any, 0, len(items))
	for _, s := range items {
		out = append(out, s)
	}
	return out
}
