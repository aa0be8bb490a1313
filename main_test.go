package main

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"oscmesh/config"
	"oscmesh/discovery"
	"oscmesh/network"
)

func TestAppGraphIsComplete(t *testing.T) {
	require.NoError(t, fx.ValidateApp(appOptions(cliFlags{})))
}

func TestCLIFlagsOverrideConfig(t *testing.T) {
	enabled := true
	cfg := &config.NodeConfig{
		NodeName:         "HOST",
		NodePort:         7400,
		ClientPort:       7401,
		LogLevel:         "info",
		DiscoveryEnabled: &enabled,
	}

	cliFlags{Name: "STAGE", NodePort: 9000, NoDiscovery: true, LogLevel: "debug"}.apply(cfg)

	require.Equal(t, "STAGE", cfg.NodeName)
	require.Equal(t, 9000, cfg.NodePort)
	require.Equal(t, 9001, cfg.ClientPort)
	require.Equal(t, "debug", cfg.LogLevel)
	require.False(t, cfg.Discovery())

	cliFlags{NodePort: 9100, ClientPort: 9200}.apply(cfg)
	require.Equal(t, 9200, cfg.ClientPort)
}

type recordedEvent struct {
	addr  netip.AddrPort
	state network.PeerState
}

type sinkRecorder struct {
	events []recordedEvent
}

func (s *sinkRecorder) OnPeerEvent(addr netip.AddrPort, state network.PeerState) {
	s.events = append(s.events, recordedEvent{addr: addr, state: state})
}

func TestForwardDiscoveryTranslatesEvents(t *testing.T) {
	peer := discovery.DiscoveredPeer{
		NodeID:    "node-1",
		Port:      7400,
		Addresses: []netip.Addr{netip.MustParseAddr("10.0.0.2")},
	}
	events := make(chan discovery.Event, 4)
	events <- discovery.Event{Type: discovery.EventPeerAdded, Peer: peer}
	events <- discovery.Event{Type: discovery.EventPeerUpdated, Peer: peer}
	events <- discovery.Event{Type: discovery.EventPeerUpdated, Peer: discovery.DiscoveredPeer{NodeID: "no-addr"}}
	events <- discovery.Event{Type: discovery.EventPeerRemoved, Peer: peer}
	close(events)

	sink := &sinkRecorder{}
	forwardDiscovery(events, sink, zap.NewNop())

	addr := netip.MustParseAddrPort("10.0.0.2:7400")
	require.Equal(t, []recordedEvent{
		{addr, network.PeerAdded},
		{addr, network.PeerUpdated},
		{addr, network.PeerRemoved},
	}, sink.events)
}

func TestPrintSessionRejectsBadAddress(t *testing.T) {
	require.Error(t, printSession("not-an-addr"))
}
