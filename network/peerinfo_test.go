package network

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"oscmesh/models"
	"oscmesh/osc"
)

func TestPeerInfoRoundTripsThroughCodec(t *testing.T) {
	in := PeerInfo{
		Class:  models.ClassLocalNode,
		Addr:   netip.MustParseAddrPort("192.168.1.20:7400"),
		Groups: []string{"STAGE", "ALL"},
		Paths:  []string{"/synth/*", "/ping"},
	}

	raw, err := osc.Encode(in.Message(PathInfo))
	require.NoError(t, err)
	msg, err := osc.Decode(raw)
	require.NoError(t, err)

	out, err := ParsePeerInfo(msg.Args)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestParsePeerInfoFiltersEmptyEntries(t *testing.T) {
	info, err := ParsePeerInfo([]any{int32(3), "10.0.0.9", int32(7402), "  A  ALL ", ""})
	require.NoError(t, err)
	require.Equal(t, models.ClassRemoteNode, info.Class)
	require.Equal(t, []string{"A", "ALL"}, info.Groups)
	require.Empty(t, info.Paths)
}

func TestParsePeerInfoRejectsBadShapes(t *testing.T) {
	cases := [][]any{
		{},
		{int32(1), "10.0.0.1", int32(7400), "A"},
		{"1", "10.0.0.1", int32(7400), "A", ""},
		{int32(0), "10.0.0.1", int32(7400), "A", ""},
		{int32(1), "not-an-ip", int32(7400), "A", ""},
		{int32(1), "10.0.0.1", int32(70000), "A", ""},
		{int32(1), "10.0.0.1", int32(7400), int32(5), ""},
	}
	for _, args := range cases {
		_, err := ParsePeerInfo(args)
		require.ErrorIs(t, err, ErrInvalidPeerInfo, "args %v", args)
	}
}

func TestControlTable(t *testing.T) {
	require.Equal(t, OpInfo, LookupControl("/_mesh/info"))
	require.Equal(t, OpClearPaths, LookupControl("/_mesh/path/clear"))
	require.Equal(t, OpNone, LookupControl("/_mesh"))
	require.Equal(t, OpNone, LookupControl("/ping"))

	require.True(t, OpInfo.acceptsArity(0))
	require.True(t, OpInfo.acceptsArity(5))
	require.False(t, OpInfo.acceptsArity(3))
	require.True(t, OpJoinGroup.acceptsArity(2))
	require.False(t, OpJoinGroup.acceptsArity(0))
	require.True(t, OpAddPath.clientOnly())
	require.False(t, OpDisconnect.clientOnly())

	for _, spec := range controlSpecs {
		require.Equal(t, spec.path, spec.op.Path())
	}
}
