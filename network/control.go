package network

import "oscmesh/address"

// ControlOp identifies one reserved control path.
type ControlOp int

const (
	OpNone ControlOp = iota
	OpInfo
	OpPeers
	OpDisconnect
	OpListPaths
	OpListGroups
	OpListNames
	OpJoinGroup
	OpLeaveGroup
	OpClearGroups
	OpAddPath
	OpDeletePath
	OpClearPaths
)

const (
	PathInfo        = address.ReservedPrefix + "/info"
	PathPeers       = address.ReservedPrefix + "/peers"
	PathDisconnect  = address.ReservedPrefix + "/disconnect"
	PathListPaths   = address.ReservedPrefix + "/paths"
	PathListGroups  = address.ReservedPrefix + "/groups"
	PathListNames   = address.ReservedPrefix + "/names"
	PathJoinGroup   = address.ReservedPrefix + "/group/join"
	PathLeaveGroup  = address.ReservedPrefix + "/group/leave"
	PathClearGroups = address.ReservedPrefix + "/group/clear"
	PathAddPath     = address.ReservedPrefix + "/path/add"
	PathDeletePath  = address.ReservedPrefix + "/path/delete"
	PathClearPaths  = address.ReservedPrefix + "/path/clear"
)

// variadic marks an op taking one or more string arguments.
const variadic = -1

type controlSpec struct {
	op   ControlOp
	path string
	// arities lists the accepted argument counts.
	arities []int
	// clientOnly ops mutate the sender's own subscriptions.
	clientOnly bool
}

var controlSpecs = []controlSpec{
	{op: OpInfo, path: PathInfo, arities: []int{0, peerInfoArity}},
	{op: OpPeers, path: PathPeers, arities: []int{0}},
	{op: OpDisconnect, path: PathDisconnect, arities: []int{0}},
	{op: OpListPaths, path: PathListPaths, arities: []int{0}},
	{op: OpListGroups, path: PathListGroups, arities: []int{0}},
	{op: OpListNames, path: PathListNames, arities: []int{0}},
	{op: OpJoinGroup, path: PathJoinGroup, arities: []int{variadic}, clientOnly: true},
	{op: OpLeaveGroup, path: PathLeaveGroup, arities: []int{variadic}, clientOnly: true},
	{op: OpClearGroups, path: PathClearGroups, arities: []int{0}, clientOnly: true},
	{op: OpAddPath, path: PathAddPath, arities: []int{variadic}, clientOnly: true},
	{op: OpDeletePath, path: PathDeletePath, arities: []int{variadic}, clientOnly: true},
	{op: OpClearPaths, path: PathClearPaths, arities: []int{0}, clientOnly: true},
}

var (
	controlByPath = make(map[string]controlSpec, len(controlSpecs))
	controlByOp   = make(map[ControlOp]controlSpec, len(controlSpecs))
)

func init() {
	for _, spec := range controlSpecs {
		controlByPath[spec.path] = spec
		controlByOp[spec.op] = spec
	}
}

// LookupControl returns the op for a reserved path, or OpNone.
func LookupControl(path string) ControlOp {
	return controlByPath[path].op
}

// Path returns the literal control path of op.
func (op ControlOp) Path() string {
	return controlByOp[op].path
}

func (op ControlOp) String() string {
	if spec, ok := controlByOp[op]; ok {
		return spec.path
	}
	return "none"
}

// acceptsArity reports whether op takes n arguments.
func (op ControlOp) acceptsArity(n int) bool {
	for _, want := range controlByOp[op].arities {
		if want == n || (want == variadic && n > 0) {
			return true
		}
	}
	return false
}

func (op ControlOp) clientOnly() bool {
	return controlByOp[op].clientOnly
}
