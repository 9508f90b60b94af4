package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncmesh/internal/core/cluster"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig("mesh", "a")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "a/coordination", cfg.CoordinationSourceID())
	assert.True(t, cfg.Capabilities.Has(cluster.CapabilityCoordinator))
}

func TestValidateNamesOffendingField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty node", func(c *Config) { c.NodeID = " " }, "nodeId"},
		{"no capabilities", func(c *Config) { c.Capabilities = 0 }, "capabilities"},
		{"heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "heartbeatInterval"},
		{"heartbeat above threshold", func(c *Config) { c.HeartbeatInterval = time.Minute }, "staleNodeThreshold"},
		{"topology", func(c *Config) { c.Topology.MaxNodes = 0 }, "topology"},
		{"limits", func(c *Config) { c.Limits.MaxLeaderConnections = 0 }, "limits"},
		{"discovery", func(c *Config) { c.DiscoveryInterval = time.Millisecond }, "discovery"},
		{"election", func(c *Config) { c.ElectionTimeout = -time.Second }, "electionTimeout"},
		{"watchdog", func(c *Config) { c.WatchdogInterval = 0 }, "watchdogInterval"},
		{"send rate", func(c *Config) { c.SendRate = -1 }, "sendRate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("mesh", "a")
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestShortIntervalsNeedOptIn(t *testing.T) {
	cfg := DefaultConfig("mesh", "a")
	cfg.DiscoveryInterval = 50 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StaleNodeThreshold = 500 * time.Millisecond
	cfg.ResolveTimeout = 20 * time.Millisecond
	require.Error(t, cfg.Validate())

	cfg.AllowShortIntervals = true
	require.NoError(t, cfg.Validate())
}

const yamlConfig = `
sessionId: mesh
nodeId: relay-1
nodeName: Relay One
capabilities: [relay, coordinator]
metadata:
  zone: eu-west
maxNodes: 8
promotionStrategy: capabilityBased
defaultNodeCapabilities: [observer]
heartbeatInterval: 2s
staleNodeThreshold: 20s
electionTimeout: 1500ms
electSelfFallback: true
sendRate: 100
sendBurst: 20
maxPeerConnections: 4
`

func TestLoadConfigYAML(t *testing.T) {
	cfg, err := LoadConfigYAML(strings.NewReader(yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "mesh", cfg.SessionID)
	assert.Equal(t, "relay-1", cfg.NodeID)
	assert.Equal(t, "Relay One", cfg.NodeName)
	assert.Equal(t, cluster.NewCapabilitySet(cluster.CapabilityRelay, cluster.CapabilityCoordinator), cfg.Capabilities)
	assert.Equal(t, "eu-west", cfg.Metadata["zone"])
	assert.Equal(t, 8, cfg.Topology.MaxNodes)
	assert.Equal(t, cluster.PromotionCapabilityBased, cfg.Topology.PromotionStrategy)
	assert.Equal(t, cluster.NewCapabilitySet(cluster.CapabilityObserver), cfg.Topology.DefaultNodeCapabilities)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, cfg.StaleNodeThreshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.ElectionTimeout)
	assert.True(t, cfg.ElectSelfFallback)
	assert.Equal(t, 100.0, cfg.SendRate)
	assert.Equal(t, 20, cfg.SendBurst)
	assert.Equal(t, 4, cfg.Limits.MaxPeerConnections)

	// untouched fields keep their defaults
	assert.Equal(t, DefaultWatchdogInterval, cfg.WatchdogInterval)
	assert.True(t, cfg.Topology.AutoPromotion)
}

func TestLoadConfigNodeNameDefaultsToNodeID(t *testing.T) {
	cfg, err := LoadConfigYAML(strings.NewReader("sessionId: mesh\nnodeId: n1\n"))
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeName)
}

func TestLoadConfigEmptyYAMLFailsValidation(t *testing.T) {
	_, err := LoadConfigYAML(strings.NewReader(""))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigTOML(t *testing.T) {
	const doc = `
sessionId = "mesh"
nodeId = "obs-1"
capabilities = ["observer"]
autoPromotion = false
discoveryInterval = "3s"
watchdogInterval = "1m"
`
	cfg, err := LoadConfigTOML(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "obs-1", cfg.NodeID)
	assert.Equal(t, cluster.NewCapabilitySet(cluster.CapabilityObserver), cfg.Capabilities)
	assert.False(t, cfg.Topology.AutoPromotion)
	assert.Equal(t, 3*time.Second, cfg.DiscoveryInterval)
	assert.Equal(t, time.Minute, cfg.WatchdogInterval)
}

func TestLoadConfigByExtension(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "node.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("sessionId = \"mesh\"\nnodeId = \"t\"\n"), 0o600))
	cfg, err := LoadConfig(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "t", cfg.NodeID)

	yamlPath := filepath.Join(dir, "node.YML")
	require.NoError(t, os.WriteFile(yamlPath, []byte("sessionId: mesh\nnodeId: y\n"), 0o600))
	cfg, err = LoadConfig(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "y", cfg.NodeID)

	_, err = LoadConfig(filepath.Join(dir, "node.json"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"duration", "sessionId: mesh\nnodeId: a\nheartbeatInterval: soon\n", "heartbeatInterval"},
		{"capability", "sessionId: mesh\nnodeId: a\ncapabilities: [wizard]\n", "capabilities"},
		{"default capability", "sessionId: mesh\nnodeId: a\ndefaultNodeCapabilities: [wizard]\n", "defaultNodeCapabilities"},
		{"topology type", "sessionId: mesh\nnodeId: a\ntopologyType: ring\n", "topology"},
		{"strategy", "sessionId: mesh\nnodeId: a\npromotionStrategy: coinFlip\n", "topology"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigYAML(strings.NewReader(tt.doc))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
