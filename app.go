package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"oscmesh/config"
	"oscmesh/crypto"
	"oscmesh/discovery"
	"oscmesh/logging"
	"oscmesh/network"
	"oscmesh/storage"
)

const metricsNamespace = "oscmesh"

// runtimeConfig is the loaded config plus where it lives.
type runtimeConfig struct {
	Node    *config.NodeConfig
	DataDir string
}

func newApp(flags cliFlags) *fx.App {
	return fx.New(appOptions(flags))
}

func appOptions(flags cliFlags) fx.Option {
	return fx.Options(
		fx.Supply(flags),
		fx.Provide(
			loadConfig,
			newLogger,
			newRegistry,
			newMetrics,
			openStore,
			newNode,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(
			runNode,
			runDiscovery,
			serveMetrics,
		),
	)
}

func loadConfig(flags cliFlags) (runtimeConfig, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load config: %w", err)
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return runtimeConfig{}, fmt.Errorf("config %s: %w", cfgPath, err)
	}
	return runtimeConfig{Node: cfg, DataDir: filepath.Dir(cfgPath)}, nil
}

func newLogger(rc runtimeConfig) (*zap.Logger, error) {
	return logging.New(rc.Node.LogLevel, rc.Node.LogFormat)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *network.Metrics {
	return network.NewMetrics(reg, metricsNamespace)
}

// openStore returns a nil store when persistence is disabled.
func openStore(lc fx.Lifecycle, rc runtimeConfig, log *zap.Logger) (*storage.Store, error) {
	if !rc.Node.Store() {
		log.Info("persistence disabled")
		return nil, nil
	}
	store, dbPath, err := storage.Open(rc.DataDir, storage.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Info("database opened", zap.String("path", dbPath))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newNode(rc runtimeConfig, log *zap.Logger, metrics *network.Metrics, store *storage.Store) (*network.Node, error) {
	cfg := rc.Node
	host, err := netip.ParseAddr(cfg.BindHost)
	if err != nil {
		return nil, fmt.Errorf("bind_host %q: %w", cfg.BindHost, err)
	}

	opts := network.Options{
		Name:             cfg.NodeName,
		NodeAddr:         netip.AddrPortFrom(host, uint16(cfg.NodePort)),
		ClientAddr:       netip.AddrPortFrom(host, uint16(cfg.ClientPort)),
		NodeTimeout:      cfg.PeerTimeout,
		AnnounceInterval: cfg.AnnounceInterval,
		SweepInterval:    cfg.SweepInterval,
		Logger:           log,
		Metrics:          metrics,
	}
	if cfg.RemotePort > 0 {
		opts.RemoteAddr = netip.AddrPortFrom(host, uint16(cfg.RemotePort))
	}
	if cfg.RemoteSession != "" {
		session, err := crypto.ParseSession(cfg.RemoteSession)
		if err != nil {
			return nil, err
		}
		opts.Session = &session
	}
	if store != nil {
		opts.Sessions = store
		opts.Journal = store
	}
	return network.NewNode(opts)
}

func runNode(lc fx.Lifecycle, node *network.Node, rc runtimeConfig, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := node.Start(); err != nil {
				return err
			}
			log.Info("node running",
				zap.String("name", node.Name()),
				zap.String("node_id", rc.Node.NodeID),
				zap.Stringer("self", node.Self()),
				zap.Stringer("node_addr", node.NodeAddr()),
				zap.Stringer("client_addr", node.ClientAddr()),
				zap.Stringer("remote_addr", node.RemoteAddr()),
				zap.String("data_dir", rc.DataDir))
			return nil
		},
		OnStop: func(context.Context) error {
			return node.Stop()
		},
	})
}

func runDiscovery(lc fx.Lifecycle, node *network.Node, rc runtimeConfig, log *zap.Logger) {
	if !rc.Node.Discovery() {
		log.Info("discovery disabled")
		return
	}

	var svc *discovery.Service
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var err error
			svc, err = discovery.Start(discovery.Config{
				NodeID:   rc.Node.NodeID,
				NodeName: node.Name(),
				NodePort: int(node.NodeAddr().Port()),
				Logger:   log,
			})
			if err != nil {
				// Local clients keep working without discovery.
				log.Warn("discovery startup failed", zap.Error(err))
				close(done)
				return nil
			}
			go func() {
				defer close(done)
				forwardDiscovery(svc.Scanner.Events(), node, log)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			svc.Stop()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})
}

// peerSink receives discovery results.
type peerSink interface {
	OnPeerEvent(addr netip.AddrPort, state network.PeerState)
}

func forwardDiscovery(events <-chan discovery.Event, sink peerSink, log *zap.Logger) {
	for event := range events {
		addr, ok := event.Peer.Addr()
		if !ok {
			log.Debug("discovered node has no usable address", zap.String("node_id", event.Peer.NodeID))
			continue
		}
		switch event.Type {
		case discovery.EventPeerAdded:
			sink.OnPeerEvent(addr, network.PeerAdded)
		case discovery.EventPeerUpdated:
			sink.OnPeerEvent(addr, network.PeerUpdated)
		case discovery.EventPeerRemoved:
			sink.OnPeerEvent(addr, network.PeerRemoved)
		}
	}
}

func serveMetrics(lc fx.Lifecycle, rc runtimeConfig, reg *prometheus.Registry, log *zap.Logger) {
	addr := rc.Node.MetricsAddress
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
