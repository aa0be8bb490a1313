package network

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"oscmesh/crypto"
	"oscmesh/models"
	"oscmesh/osc"
)

const eventually = 3 * time.Second

func startNode(t *testing.T, opts Options) *Node {
	t.Helper()

	if !opts.NodeAddr.IsValid() {
		opts.NodeAddr = netip.MustParseAddrPort("127.0.0.1:0")
	}
	n, err := NewNode(opts)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func localAddr(conn *net.UDPConn) netip.AddrPort {
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func sendOSC(t *testing.T, conn *net.UDPConn, to netip.AddrPort, path string, args ...any) {
	t.Helper()

	raw, err := osc.Encode(osc.NewMessage(path, args...))
	require.NoError(t, err)
	_, err = conn.WriteToUDPAddrPort(raw, to)
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, bool) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, MaxDatagramSize)
	n, _, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

// readUntil returns the first plain message on path.
func readUntil(t *testing.T, conn *net.UDPConn, path string) osc.Message {
	t.Helper()

	deadline := time.Now().Add(eventually)
	for time.Now().Before(deadline) {
		frame, ok := readFrame(t, conn, time.Until(deadline))
		if !ok {
			break
		}
		msg, err := osc.Decode(frame)
		require.NoError(t, err)
		if msg.Address == path {
			return msg
		}
	}
	t.Fatalf("no message on %s before timeout", path)
	return osc.Message{}
}

func subscribeClient(t *testing.T, n *Node, path string) *net.UDPConn {
	t.Helper()

	client := listenLoopback(t)
	sendOSC(t, client, n.ClientAddr(), PathAddPath, path)
	require.Eventually(t, func() bool {
		paths, err := n.LocalPaths()
		return err == nil && contains(paths, path)
	}, eventually, 10*time.Millisecond)
	return client
}

func findPeer(n *Node, addr netip.AddrPort) (models.Peer, bool) {
	peers, err := n.Peers()
	if err != nil {
		return models.Peer{}, false
	}
	for _, p := range peers {
		if p.Addr == addr {
			return p, true
		}
	}
	return models.Peer{}, false
}

func contains(items []string, want string) bool {
	for _, s := range items {
		if s == want {
			return true
		}
	}
	return false
}

type recordingJournal struct {
	mu    sync.Mutex
	kinds []string
}

func (j *recordingJournal) RecordPeerEvent(kind string, _ models.Peer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.kinds = append(j.kinds, kind)
}

func (j *recordingJournal) has(kind string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return contains(j.kinds, kind)
}

type memorySessions struct {
	mu       sync.Mutex
	sessions []crypto.Session
}

func (m *memorySessions) SaveRemoteSession(s crypto.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *memorySessions) LatestRemoteSession() (crypto.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return crypto.Session{}, false, nil
	}
	return m.sessions[len(m.sessions)-1], true, nil
}

func TestNodeDeliversGroupedMessageFromNodeToClient(t *testing.T) {
	journal := &recordingJournal{}
	x := startNode(t, Options{Name: "x", Journal: journal})
	client := subscribeClient(t, x, "/ping")

	y := listenLoopback(t)
	sendOSC(t, y, x.NodeAddr(), "/X/ping")

	msg := readUntil(t, client, "/ping")
	require.Empty(t, msg.Args)

	peer, ok := findPeer(x, localAddr(y))
	require.True(t, ok)
	require.Equal(t, models.ClassLocalNode, peer.Class)
	require.True(t, journal.has("created"))
}

func TestTwoNodesExchangeInfoAndRoute(t *testing.T) {
	x := startNode(t, Options{Name: "X"})
	y := startNode(t, Options{Name: "Y"})
	client := subscribeClient(t, x, "/ping")

	x.OnPeerEvent(y.Self(), PeerAdded)
	y.OnPeerEvent(x.Self(), PeerAdded)

	require.Eventually(t, func() bool {
		peer, ok := findPeer(y, x.Self())
		return ok && contains(peer.Groups, "X") && contains(peer.Paths, "/ping")
	}, eventually, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		peer, ok := findPeer(x, y.Self())
		return ok && peer.Name() == "Y"
	}, eventually, 10*time.Millisecond)

	sent, err := y.Send("/X/ping", 1)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	msg := readUntil(t, client, "/ping")
	require.Equal(t, []any{int32(1)}, msg.Args)
}

func TestDiscoveryElectionAndRemoval(t *testing.T) {
	x := startNode(t, Options{Name: "X"})
	other := listenLoopback(t)
	addr := localAddr(other)

	x.OnPeerEvent(x.Self(), PeerAdded)
	x.OnPeerEvent(addr, PeerAdded)

	if models.IsInitiator(x.Self(), addr) {
		// The greeting is an info push plus an info query, in either order.
		msg := readUntil(t, other, PathInfo)
		if len(msg.Args) == 0 {
			msg = readUntil(t, other, PathInfo)
		}
		require.Len(t, msg.Args, peerInfoArity)
		_, ok := findPeer(x, addr)
		require.True(t, ok)
	} else {
		time.Sleep(50 * time.Millisecond)
		_, ok := findPeer(x, addr)
		require.False(t, ok)
		sendOSC(t, other, x.NodeAddr(), PathInfo)
		require.Eventually(t, func() bool {
			_, ok := findPeer(x, addr)
			return ok
		}, eventually, 10*time.Millisecond)
	}

	x.OnPeerEvent(addr, PeerRemoved)
	x.OnPeerEvent(addr, PeerRemoved)
	require.Eventually(t, func() bool {
		_, ok := findPeer(x, addr)
		return !ok
	}, eventually, 10*time.Millisecond)

	peers, err := x.Peers()
	require.NoError(t, err)
	for _, p := range peers {
		require.NotEqual(t, x.Self(), p.Addr)
	}
}

func TestCorruptedSealedFrameNeverReachesRouter(t *testing.T) {
	seed, err := crypto.NewSessionSeed()
	require.NoError(t, err)
	remote := listenLoopback(t)
	metrics := NewMetrics(prometheus.NewRegistry(), "test")

	x := startNode(t, Options{
		Name:       "X",
		RemoteAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		Session:    &crypto.Session{Seed: seed, Addr: localAddr(remote)},
		Metrics:    metrics,
	})
	client := subscribeClient(t, x, "/ping")

	framer, err := NewSealedFramer(seed)
	require.NoError(t, err)

	// The pairing greeting arrives sealed.
	greeting, ok := readFrame(t, remote, eventually)
	require.True(t, ok)
	payload, err := framer.Unframe(greeting)
	require.NoError(t, err)
	msg, err := osc.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, PathInfo, msg.Address)

	raw, err := osc.Encode(osc.NewMessage("/X/ping"))
	require.NoError(t, err)
	frame, err := framer.Frame(raw)
	require.NoError(t, err)

	corrupted := append([]byte(nil), frame...)
	corrupted[len(corrupted)-1] ^= 0xff
	_, err = remote.WriteToUDPAddrPort(corrupted, x.RemoteAddr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Dropped.WithLabelValues("auth")) == 1
	}, eventually, 10*time.Millisecond)
	require.Zero(t, testutil.ToFloat64(metrics.Received.WithLabelValues(models.ClassRemoteNode.String())))
	_, got := readFrame(t, client, 100*time.Millisecond)
	require.False(t, got)

	_, err = remote.WriteToUDPAddrPort(frame, x.RemoteAddr())
	require.NoError(t, err)
	readUntil(t, client, "/ping")
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Received.WithLabelValues(models.ClassRemoteNode.String())))
}

func TestSweepExpiresSilentNode(t *testing.T) {
	mock := clock.NewMock()
	x := startNode(t, Options{Name: "X", Clock: mock})
	y := listenLoopback(t)

	sendOSC(t, y, x.NodeAddr(), "/X/ping")
	require.Eventually(t, func() bool {
		_, ok := findPeer(x, localAddr(y))
		return ok
	}, eventually, 10*time.Millisecond)

	mock.Add(19 * time.Second)
	_, ok := findPeer(x, localAddr(y))
	require.True(t, ok)

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		_, ok := findPeer(x, localAddr(y))
		return !ok
	}, eventually, 10*time.Millisecond)
}

func TestPairPersistsAndRestoresSession(t *testing.T) {
	store := &memorySessions{}
	seed, err := crypto.NewSessionSeed()
	require.NoError(t, err)
	remote := listenLoopback(t)
	session := crypto.Session{Seed: seed, Addr: localAddr(remote)}

	first := startNode(t, Options{Name: "X", RemoteAddr: netip.MustParseAddrPort("127.0.0.1:0"), Sessions: store})
	require.NoError(t, first.Pair(session))
	require.Len(t, store.sessions, 1)
	require.NoError(t, first.Stop())

	second := startNode(t, Options{Name: "X", RemoteAddr: netip.MustParseAddrPort("127.0.0.1:0"), Sessions: store})
	peer, ok := findPeer(second, session.Addr)
	require.True(t, ok)
	require.Equal(t, models.ClassRemoteNode, peer.Class)

	plain := startNode(t, Options{Name: "Z"})
	require.ErrorIs(t, plain.Pair(session), ErrNoRemoteSocket)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	n, err := NewNode(Options{Name: "X", NodeAddr: netip.MustParseAddrPort("127.0.0.1:0")})
	require.NoError(t, err)

	_, err = n.Peers()
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, n.Start())
	require.NoError(t, n.Start())
	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())

	_, err = n.Send("/ALL/x")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStartFailsWhenPortIsTaken(t *testing.T) {
	taken := listenLoopback(t)

	n, err := NewNode(Options{Name: "X", NodeAddr: localAddr(taken)})
	require.NoError(t, err)
	require.Error(t, n.Start())

	_, err = NewNode(Options{Name: "not a group"})
	require.Error(t, err)
}

func TestSendRejectsReservedAndUnsupportedMessages(t *testing.T) {
	x := startNode(t, Options{Name: "X"})

	_, err := x.Send(PathInfo)
	require.Error(t, err)
	_, err = x.Send("/ALL/x", true)
	require.ErrorIs(t, err, osc.ErrUnsupportedType)
}

func TestHandlerCanReplyThroughNodeAPI(t *testing.T) {
	x := startNode(t, Options{Name: "X"})
	client := subscribeClient(t, x, "/echo/reply")

	replied := make(chan error, 1)
	require.NoError(t, x.Handle("/echo", AnyArity, func(env models.Envelope) {
		_, err := x.Send("/echo/reply", "hi")
		replied <- err
	}))

	sendOSC(t, client, x.ClientAddr(), "/echo")

	select {
	case err := <-replied:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("handler did not return from Send")
	}
	msg := readUntil(t, client, "/echo/reply")
	require.Equal(t, []any{"hi"}, msg.Args)

	done := make(chan error, 1)
	go func() {
		_, err := x.Peers()
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("node stopped serving calls after a handler used Send")
	}
	require.NoError(t, x.Stop())
}
