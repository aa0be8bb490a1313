package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("OSCMESH_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.NodeID == "" {
		t.Fatalf("expected non-empty node ID")
	}
	if firstCfg.NodePort != DefaultNodePort || firstCfg.ClientPort != DefaultNodePort+1 {
		t.Fatalf("unexpected default ports: node=%d client=%d", firstCfg.NodePort, firstCfg.ClientPort)
	}
	if firstCfg.RemotePort != 0 {
		t.Fatalf("expected remote socket disabled by default, got %d", firstCfg.RemotePort)
	}
	if firstCfg.PeerTimeout != DefaultPeerTimeout {
		t.Fatalf("expected default peer timeout, got %s", firstCfg.PeerTimeout)
	}
	if !firstCfg.Discovery() || !firstCfg.Store() {
		t.Fatalf("expected discovery and store enabled by default")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.yaml")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.NodeID != firstCfg.NodeID {
		t.Fatalf("expected stable node ID, got %q then %q", firstCfg.NodeID, secondCfg.NodeID)
	}
	if secondCfg.NodeName != firstCfg.NodeName {
		t.Fatalf("expected stable node name, got %q then %q", firstCfg.NodeName, secondCfg.NodeName)
	}
}

func TestLoadOrCreateFillsMissingFieldsAndKeepsExplicitOnes(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("OSCMESH_DATA_DIR", tempDir)

	raw := "node_id: fixed-id\nnode_name: STAGE\nnode_port: 9000\ndiscovery_enabled: false\nannounce_interval: 5s\n"
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.NodeID != "fixed-id" || cfg.NodeName != "STAGE" {
		t.Fatalf("explicit identity was not kept: %+v", cfg)
	}
	if cfg.NodePort != 9000 || cfg.ClientPort != 9001 {
		t.Fatalf("expected client port derived from node port, got %d/%d", cfg.NodePort, cfg.ClientPort)
	}
	if cfg.Discovery() {
		t.Fatalf("expected explicit discovery_enabled=false to be kept")
	}
	if cfg.AnnounceInterval != 5*time.Second {
		t.Fatalf("expected announce interval 5s, got %s", cfg.AnnounceInterval)
	}

	saved, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.SweepInterval != DefaultSweepInterval || saved.LogFormat != DefaultLogFormat {
		t.Fatalf("expected normalized defaults to be persisted, got %+v", saved)
	}
}

func TestLoadOrCreateAppliesEnvOverridesWithoutSaving(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("OSCMESH_DATA_DIR", tempDir)
	t.Setenv("OSCMESH_NODE_NAME", "LIGHTS")
	t.Setenv("OSCMESH_NODE_PORT", "7500")
	t.Setenv("OSCMESH_REMOTE_SESSION", "c2VlZA@203.0.113.1:7402")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.NodeName != "LIGHTS" || cfg.NodePort != 7500 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.RemoteSession != "c2VlZA@203.0.113.1:7402" {
		t.Fatalf("unexpected remote session %q", cfg.RemoteSession)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(raw), "LIGHTS") || strings.Contains(string(raw), "remote_session") {
		t.Fatalf("env overrides must not be persisted:\n%s", raw)
	}
}

func TestLoadOrCreateRejectsBadEnvPort(t *testing.T) {
	t.Setenv("OSCMESH_DATA_DIR", t.TempDir())
	t.Setenv("OSCMESH_NODE_PORT", "not-a-port")

	if _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected invalid env port to fail")
	}
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	clash := *cfg
	clash.ClientPort = clash.NodePort
	if err := clash.Validate(); err == nil {
		t.Fatalf("expected client/node port clash to fail")
	}

	remote := *cfg
	remote.RemotePort = remote.ClientPort
	if err := remote.Validate(); err == nil {
		t.Fatalf("expected remote/client port clash to fail")
	}

	timing := *cfg
	timing.PeerTimeout = timing.AnnounceInterval
	if err := timing.Validate(); err == nil {
		t.Fatalf("expected timeout not exceeding announce interval to fail")
	}
}

func TestDefaultNodeNameIsGroupSafe(t *testing.T) {
	name := defaultNodeName()
	if name == "" {
		t.Fatalf("expected a node name")
	}
	for _, r := range name {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != '_' && r != '-' {
			t.Fatalf("node name %q contains %q", name, r)
		}
	}
}
