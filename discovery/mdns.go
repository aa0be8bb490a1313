package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_oscmesh._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval. It stays well
	// under the node timeout so discovered peers are refreshed before expiry.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 2 * time.Second
)

const (
	txtNodeID  = "node_id"
	txtName    = "name"
	txtVersion = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the mDNS broadcaster and scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// NodeID identifies this process across restarts and filters our own
	// advertisement out of browse results.
	NodeID   string
	NodeName string
	// NodePort is the UDP port of the node-to-node socket.
	NodePort int

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ScanTimeout >= out.RefreshInterval {
		out.ScanTimeout = out.RefreshInterval / 2
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node ID is required")
	}
	if strings.TrimSpace(c.NodeName) == "" {
		return errors.New("node name is required")
	}
	if c.NodePort <= 0 || c.NodePort > 65535 {
		return errors.New("node port must be in 1..65535")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node ID is required")
	}
	return nil
}

// Broadcaster advertises the local node via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the node's service record.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtNodeID + "=" + cfg.NodeID,
		txtName + "=" + cfg.NodeName,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}

	// Instance names must be unique on the link; two processes may share a
	// node name so the id is appended.
	instance := cfg.NodeName + "-" + shortID(cfg.NodeID)
	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.NodePort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.Info("mDNS service registered",
		zap.String("instance", instance),
		zap.String("service", cfg.Service),
		zap.Int("port", cfg.NodePort))
	return &Broadcaster{server: server}, nil
}

// Stop withdraws the advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service couples the broadcaster with a scanner.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start starts broadcaster and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
