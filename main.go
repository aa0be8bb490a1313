package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"oscmesh/config"
	"oscmesh/crypto"
	"oscmesh/discovery"
	"oscmesh/network"
	"oscmesh/storage"
)

var (
	app = kingpin.New("oscmesh", "LAN message broker for OSC applications.")

	runCmd        = app.Command("run", "Run the broker.").Default()
	nodeName      = runCmd.Flag("name", "Node name, used as its group.").String()
	nodePort      = runCmd.Flag("node-port", "UDP port for node-to-node traffic.").Int()
	clientPort    = runCmd.Flag("client-port", "UDP port for local clients.").Int()
	remotePort    = runCmd.Flag("remote-port", "UDP port for the encrypted remote channel.").Int()
	pairSession   = runCmd.Flag("pair", "Pairing session string <seed>@<host:port>.").String()
	logLevel      = runCmd.Flag("log.level", "Log level: debug, info, warn, error.").String()
	logFormat     = runCmd.Flag("log.format", "Log format: json or text.").String()
	listenAddress = runCmd.Flag("web.listen-address", "Address for /metrics and /healthz; empty disables.").String()
	noDiscovery   = runCmd.Flag("no-discovery", "Disable mDNS advertise and browse.").Bool()

	sessionCmd  = app.Command("session", "Print a new pairing session string.")
	sessionAddr = sessionCmd.Arg("addr", "host:port the other node reaches this node's remote socket on.").String()

	sessionsCmd      = app.Command("sessions", "Manage stored pairing sessions.")
	sessionsListCmd  = sessionsCmd.Command("list", "List stored pairing sessions.").Default()
	sessionsClearCmd = sessionsCmd.Command("clear", "Forget every stored pairing session.")

	journalCmd   = app.Command("journal", "Show the peer lifecycle journal.")
	journalType  = journalCmd.Flag("type", "Only events of this type.").Enum(storage.PeerEventCreated, storage.PeerEventRemoved, storage.PeerEventExpired, storage.PeerEventDisconnected, storage.PeerEventPaired)
	journalPeer  = journalCmd.Flag("peer", "Only events for this peer address.").String()
	journalSince = journalCmd.Flag("since", "Only events newer than this.").Duration()
	journalLimit = journalCmd.Flag("limit", "Maximum number of events.").Default("100").Int()

	discoverCmd     = app.Command("discover", "Browse the LAN for nodes and print them.")
	discoverTimeout = discoverCmd.Flag("timeout", "Browse window.").Default("3s").Duration()

	sendCmd   = app.Command("send", "Send one message to a node's client port.")
	sendTo    = sendCmd.Flag("to", "Client socket host:port; defaults to the local node.").String()
	sendGroup = sendCmd.Flag("group", "Group to address the message to.").String()
	sendPath  = sendCmd.Arg("path", "Message path.").Required().String()
	sendArgs  = sendCmd.Arg("args", "Arguments, typed as int, float or string.").Strings()
)

func main() {
	var err error
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case sessionCmd.FullCommand():
		err = printSession(*sessionAddr)
	case sessionsListCmd.FullCommand():
		err = runWithStore(func(store *storage.Store) error { return listSessions(os.Stdout, store) })
	case sessionsClearCmd.FullCommand():
		err = runWithStore(func(store *storage.Store) error { return clearSessions(os.Stdout, store) })
	case journalCmd.FullCommand():
		filter := storage.PeerEventFilter{EventType: *journalType, PeerAddr: *journalPeer, Limit: *journalLimit}
		if *journalSince > 0 {
			from := time.Now().Add(-*journalSince).UnixMilli()
			filter.FromTimestamp = &from
		}
		err = runWithStore(func(store *storage.Store) error { return printJournal(os.Stdout, store, filter) })
	case discoverCmd.FullCommand():
		err = runDiscover(*discoverTimeout)
	case sendCmd.FullCommand():
		err = runSend(*sendTo, *sendGroup, *sendPath, *sendArgs)
	default:
		newApp(cliFlags{
			Name:          *nodeName,
			NodePort:      *nodePort,
			ClientPort:    *clientPort,
			RemotePort:    *remotePort,
			Pair:          *pairSession,
			LogLevel:      *logLevel,
			LogFormat:     *logFormat,
			ListenAddress: *listenAddress,
			NoDiscovery:   *noDiscovery,
		}).Run()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWithStore(fn func(store *storage.Store) error) error {
	_, dataDir, err := loadLocalConfig()
	if err != nil {
		return err
	}
	return withStore(dataDir, fn)
}

func runDiscover(timeout time.Duration) error {
	cfg, _, err := loadLocalConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()
	return discoverPeers(ctx, os.Stdout, discovery.Config{
		NodeID:          cfg.NodeID,
		NodeName:        cfg.NodeName,
		RefreshInterval: timeout + time.Second,
		ScanTimeout:     timeout,
	})
}

func runSend(rawTo, group, path string, args []string) error {
	var to netip.AddrPort
	if rawTo == "" {
		cfg, _, err := loadLocalConfig()
		if err != nil {
			return err
		}
		to = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(cfg.ClientPort))
	} else {
		parsed, err := netip.ParseAddrPort(rawTo)
		if err != nil {
			return fmt.Errorf("parse address %q: %w", rawTo, err)
		}
		to = parsed
	}
	return sendMessage(to, group, path, args)
}

func printSession(raw string) error {
	var addr netip.AddrPort
	if raw == "" {
		cfg, _, err := loadLocalConfig()
		if err != nil {
			return err
		}
		if cfg.RemotePort == 0 {
			return fmt.Errorf("no address given and remote_port is not configured")
		}
		addr = netip.AddrPortFrom(network.OutboundIP(), uint16(cfg.RemotePort))
	} else {
		parsed, err := netip.ParseAddrPort(raw)
		if err != nil {
			return fmt.Errorf("parse address %q: %w", raw, err)
		}
		addr = parsed
	}

	seed, err := crypto.NewSessionSeed()
	if err != nil {
		return err
	}
	fmt.Println(crypto.Session{Seed: seed, Addr: addr}.String())
	return nil
}

// cliFlags are command-line overrides; zero values keep the config file.
type cliFlags struct {
	Name          string
	NodePort      int
	ClientPort    int
	RemotePort    int
	Pair          string
	LogLevel      string
	LogFormat     string
	ListenAddress string
	NoDiscovery   bool
}

func (f cliFlags) apply(cfg *config.NodeConfig) {
	if f.Name != "" {
		cfg.NodeName = f.Name
	}
	if f.NodePort != 0 {
		cfg.NodePort = f.NodePort
		if f.ClientPort == 0 {
			cfg.ClientPort = f.NodePort + 1
		}
	}
	if f.ClientPort != 0 {
		cfg.ClientPort = f.ClientPort
	}
	if f.RemotePort != 0 {
		cfg.RemotePort = f.RemotePort
	}
	if f.Pair != "" {
		cfg.RemoteSession = f.Pair
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		cfg.LogFormat = f.LogFormat
	}
	if f.ListenAddress != "" {
		cfg.MetricsAddress = f.ListenAddress
	}
	if f.NoDiscovery {
		disabled := false
		cfg.DiscoveryEnabled = &disabled
	}
}
