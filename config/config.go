package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "oscmesh"
	// DefaultNodePort is the UDP port for node-to-node traffic.
	DefaultNodePort = 7400
	// DefaultPeerTimeout is how long a silent node is kept.
	DefaultPeerTimeout = 20 * time.Second
	// DefaultAnnounceInterval is the period of self-info pushes.
	DefaultAnnounceInterval = 3 * time.Second
	// DefaultSweepInterval is the period of the expiry sweep.
	DefaultSweepInterval = time.Second
	// DefaultLogLevel is used when the config leaves log_level empty.
	DefaultLogLevel = "info"
	// DefaultLogFormat is used when the config leaves log_format empty.
	DefaultLogFormat = "json"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"
	// fallbackNodeName is used when the hostname cannot be turned into a group.
	fallbackNodeName = "NODE"
)

const (
	envDataDir       = "OSCMESH_DATA_DIR"
	envNodeName      = "OSCMESH_NODE_NAME"
	envNodePort      = "OSCMESH_NODE_PORT"
	envRemoteSession = "OSCMESH_REMOTE_SESSION"
)

// NodeConfig contains persistent settings for one broker process.
type NodeConfig struct {
	NodeID   string `yaml:"node_id"`
	NodeName string `yaml:"node_name"`
	BindHost string `yaml:"bind_host"`

	NodePort   int `yaml:"node_port"`
	ClientPort int `yaml:"client_port"`
	// RemotePort enables the sealed remote socket when > 0.
	RemotePort    int    `yaml:"remote_port"`
	RemoteSession string `yaml:"remote_session,omitempty"`

	PeerTimeout      time.Duration `yaml:"peer_timeout"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	DiscoveryEnabled *bool `yaml:"discovery_enabled"`
	StoreEnabled     *bool `yaml:"store_enabled"`

	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsAddress string `yaml:"metrics_address"`
}

// Discovery reports whether mDNS advertise/browse should run.
func (c *NodeConfig) Discovery() bool {
	return c.DiscoveryEnabled == nil || *c.DiscoveryEnabled
}

// Store reports whether the SQLite store should be opened.
func (c *NodeConfig) Store() bool {
	return c.StoreEnabled == nil || *c.StoreEnabled
}

// Validate checks ranges that cannot be normalized silently.
func (c *NodeConfig) Validate() error {
	for name, port := range map[string]int{
		"node_port":   c.NodePort,
		"client_port": c.ClientPort,
		"remote_port": c.RemotePort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.ClientPort != 0 && c.ClientPort == c.NodePort {
		return errors.New("client_port must differ from node_port")
	}
	if c.RemotePort != 0 && (c.RemotePort == c.NodePort || c.RemotePort == c.ClientPort) {
		return errors.New("remote_port must differ from node_port and client_port")
	}
	if c.PeerTimeout <= c.AnnounceInterval {
		return fmt.Errorf("peer_timeout %s must exceed announce_interval %s", c.PeerTimeout, c.AnnounceInterval)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If OSCMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config with environment overrides applied. Overrides are not saved.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func defaultConfig() *NodeConfig {
	cfg := &NodeConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *NodeConfig) bool {
	updated := false

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		updated = true
	}
	if cfg.NodeName == "" {
		cfg.NodeName = defaultNodeName()
		updated = true
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "0.0.0.0"
		updated = true
	}
	if cfg.NodePort == 0 {
		cfg.NodePort = DefaultNodePort
		updated = true
	}
	if cfg.ClientPort == 0 && cfg.NodePort < 65535 {
		cfg.ClientPort = cfg.NodePort + 1
		updated = true
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
		updated = true
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
		updated = true
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
		updated = true
	}
	if cfg.DiscoveryEnabled == nil {
		enabled := true
		cfg.DiscoveryEnabled = &enabled
		updated = true
	}
	if cfg.StoreEnabled == nil {
		enabled := true
		cfg.StoreEnabled = &enabled
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
		updated = true
	}

	return updated
}

func applyEnv(cfg *NodeConfig) error {
	if name := strings.TrimSpace(os.Getenv(envNodeName)); name != "" {
		cfg.NodeName = name
	}
	if raw := strings.TrimSpace(os.Getenv(envNodePort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", envNodePort, raw)
		}
		cfg.NodePort = port
	}
	if session := strings.TrimSpace(os.Getenv(envRemoteSession)); session != "" {
		cfg.RemoteSession = session
	}
	return nil
}

// defaultNodeName derives a group-safe name from the hostname.
func defaultNodeName() string {
	host, err := os.Hostname()
	if err != nil {
		return fallbackNodeName
	}
	host, _, _ = strings.Cut(host, ".")
	var b strings.Builder
	hasLetter := false
	for _, r := range strings.ToUpper(host) {
		switch {
		case r >= 'A' && r <= 'Z':
			hasLetter = true
			b.WriteRune(r)
		case r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if !hasLetter {
		return fallbackNodeName
	}
	return b.String()
}
