package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/cluster/discovery"
	"github.com/zeusync/syncmesh/internal/core/resources"
)

var (
	ErrInvalidConfig     = errors.New("session: invalid config")
	ErrUnsupportedFormat = errors.New("session: unsupported config format")
)

const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultElectionTimeout    = 3 * time.Second
	DefaultWatchdogInterval   = 10 * time.Second
	DefaultEventBuffer        = 256
	defaultCoordinationSuffix = "/coordination"
)

// Config is everything a node needs to join a session.
type Config struct {
	SessionID    string
	NodeID       string
	NodeName     string
	Capabilities cluster.CapabilitySet
	Metadata     map[string]string

	Topology cluster.TopologyConfig
	Limits   resources.Limits

	HeartbeatInterval   time.Duration
	DiscoveryInterval   time.Duration
	ResolveTimeout      time.Duration
	StaleNodeThreshold  time.Duration
	HealthCheckInterval time.Duration
	// ElectionTimeout bounds a voting round before the tally is taken.
	ElectionTimeout time.Duration
	// WatchdogInterval is how often a session without a coordinator retries
	// the election.
	WatchdogInterval  time.Duration
	ElectSelfFallback bool

	SendRate  float64
	SendBurst int

	// AllowShortIntervals lifts the discovery interval floor; meant for tests.
	AllowShortIntervals bool
}

func DefaultConfig(sessionID, nodeID string) Config {
	return Config{
		SessionID:           sessionID,
		NodeID:              nodeID,
		NodeName:            nodeID,
		Capabilities:        cluster.NewCapabilitySet(cluster.CapabilityParticipant, cluster.CapabilityCoordinator),
		Metadata:            map[string]string{},
		Topology:            cluster.DefaultTopologyConfig(),
		Limits:              resources.DefaultLimits(),
		HeartbeatInterval:   DefaultHeartbeatInterval,
		DiscoveryInterval:   discovery.DefaultInterval,
		ResolveTimeout:      discovery.DefaultResolveTimeout,
		StaleNodeThreshold:  discovery.DefaultStaleNodeThreshold,
		HealthCheckInterval: resources.DefaultHealthInterval,
		ElectionTimeout:     DefaultElectionTimeout,
		WatchdogInterval:    DefaultWatchdogInterval,
	}
}

// CoordinationSourceID is the source id under which the node announces its
// coordination stream.
func (c Config) CoordinationSourceID() string {
	return c.NodeID + defaultCoordinationSuffix
}

func (c Config) discoveryConfig() discovery.Config {
	return discovery.Config{
		SessionID:           c.SessionID,
		NodeID:              c.NodeID,
		Interval:            c.DiscoveryInterval,
		ResolveTimeout:      c.ResolveTimeout,
		StaleNodeThreshold:  c.StaleNodeThreshold,
		AllowShortIntervals: c.AllowShortIntervals,
	}
}

func invalid(field string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...))
}

// Validate fails on the first offending field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SessionID) == "" {
		return invalid("sessionId", "must not be empty")
	}
	if strings.TrimSpace(c.NodeID) == "" {
		return invalid("nodeId", "must not be empty")
	}
	if c.Capabilities.IsEmpty() {
		return invalid("capabilities", "must declare at least one capability")
	}
	if err := c.Topology.Validate(); err != nil {
		return fmt.Errorf("%w: topology: %w", ErrInvalidConfig, err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("%w: limits: %w", ErrInvalidConfig, err)
	}
	if c.HeartbeatInterval <= 0 {
		return invalid("heartbeatInterval", "must be positive, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval >= c.StaleNodeThreshold {
		return invalid("heartbeatInterval", "%s must be shorter than staleNodeThreshold %s", c.HeartbeatInterval, c.StaleNodeThreshold)
	}
	if err := c.discoveryConfig().Validate(); err != nil {
		return fmt.Errorf("%w: discovery: %w", ErrInvalidConfig, err)
	}
	if c.HealthCheckInterval <= 0 {
		return invalid("healthCheckInterval", "must be positive, got %s", c.HealthCheckInterval)
	}
	if c.ElectionTimeout <= 0 {
		return invalid("electionTimeout", "must be positive, got %s", c.ElectionTimeout)
	}
	if c.WatchdogInterval <= 0 {
		return invalid("watchdogInterval", "must be positive, got %s", c.WatchdogInterval)
	}
	if c.SendRate < 0 {
		return invalid("sendRate", "must not be negative, got %g", c.SendRate)
	}
	return nil
}

// fileConfig is the on-disk shape shared by the YAML and TOML loaders. Nil
// fields keep their defaults.
type fileConfig struct {
	SessionID           *string           `yaml:"sessionId" toml:"sessionId"`
	NodeID              *string           `yaml:"nodeId" toml:"nodeId"`
	NodeName            *string           `yaml:"nodeName" toml:"nodeName"`
	Capabilities        []string          `yaml:"capabilities" toml:"capabilities"`
	Metadata            map[string]string `yaml:"metadata" toml:"metadata"`
	TopologyType        *string           `yaml:"topologyType" toml:"topologyType"`
	MaxNodes            *int              `yaml:"maxNodes" toml:"maxNodes"`
	AutoPromotion       *bool             `yaml:"autoPromotion" toml:"autoPromotion"`
	PromotionStrategy   *string           `yaml:"promotionStrategy" toml:"promotionStrategy"`
	DefaultCapabilities []string          `yaml:"defaultNodeCapabilities" toml:"defaultNodeCapabilities"`
	HeartbeatInterval   *string           `yaml:"heartbeatInterval" toml:"heartbeatInterval"`
	DiscoveryInterval   *string           `yaml:"discoveryInterval" toml:"discoveryInterval"`
	ResolveTimeout      *string           `yaml:"resolveTimeout" toml:"resolveTimeout"`
	StaleNodeThreshold  *string           `yaml:"staleNodeThreshold" toml:"staleNodeThreshold"`
	HealthCheckInterval *string           `yaml:"healthCheckInterval" toml:"healthCheckInterval"`
	ElectionTimeout     *string           `yaml:"electionTimeout" toml:"electionTimeout"`
	WatchdogInterval    *string           `yaml:"watchdogInterval" toml:"watchdogInterval"`
	ElectSelfFallback   *bool             `yaml:"electSelfFallback" toml:"electSelfFallback"`
	SendRate            *float64          `yaml:"sendRate" toml:"sendRate"`
	SendBurst           *int              `yaml:"sendBurst" toml:"sendBurst"`
	MaxPeerConnections  *int              `yaml:"maxPeerConnections" toml:"maxPeerConnections"`
	MaxClientConns      *int              `yaml:"maxClientConnections" toml:"maxClientConnections"`
	MaxLeaderConns      *int              `yaml:"maxLeaderConnections" toml:"maxLeaderConnections"`
}

// LoadConfig reads a .yaml, .yml or .toml file over DefaultConfig and
// validates the result.
func LoadConfig(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return Config{}, err
		}
		defer f.Close()
		return LoadConfigYAML(f)
	case ".toml":
		var raw fileConfig
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
		return raw.resolve()
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func LoadConfigYAML(r io.Reader) (Config, error) {
	var raw fileConfig
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	return raw.resolve()
}

func LoadConfigTOML(r io.Reader) (Config, error) {
	var raw fileConfig
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}
	return raw.resolve()
}

func (f fileConfig) resolve() (Config, error) {
	c := DefaultConfig("", "")
	setString(&c.SessionID, f.SessionID)
	setString(&c.NodeID, f.NodeID)
	c.NodeName = c.NodeID
	setString(&c.NodeName, f.NodeName)

	if len(f.Capabilities) > 0 {
		caps, err := cluster.ParseCapabilitySet(f.Capabilities)
		if err != nil {
			return Config{}, fmt.Errorf("%w: capabilities: %w", ErrInvalidConfig, err)
		}
		c.Capabilities = caps
	}
	if len(f.DefaultCapabilities) > 0 {
		caps, err := cluster.ParseCapabilitySet(f.DefaultCapabilities)
		if err != nil {
			return Config{}, fmt.Errorf("%w: defaultNodeCapabilities: %w", ErrInvalidConfig, err)
		}
		c.Topology.DefaultNodeCapabilities = caps
	}
	for k, v := range f.Metadata {
		c.Metadata[k] = v
	}

	if f.TopologyType != nil {
		c.Topology.Type = cluster.TopologyType(*f.TopologyType)
	}
	if f.PromotionStrategy != nil {
		c.Topology.PromotionStrategy = cluster.PromotionStrategy(*f.PromotionStrategy)
	}
	setInt(&c.Topology.MaxNodes, f.MaxNodes)
	setBool(&c.Topology.AutoPromotion, f.AutoPromotion)
	setBool(&c.ElectSelfFallback, f.ElectSelfFallback)
	setInt(&c.SendBurst, f.SendBurst)
	if f.SendRate != nil {
		c.SendRate = *f.SendRate
	}
	setInt(&c.Limits.MaxPeerConnections, f.MaxPeerConnections)
	setInt(&c.Limits.MaxClientConnections, f.MaxClientConns)
	setInt(&c.Limits.MaxLeaderConnections, f.MaxLeaderConns)

	durations := []struct {
		field string
		raw   *string
		dst   *time.Duration
	}{
		{"heartbeatInterval", f.HeartbeatInterval, &c.HeartbeatInterval},
		{"discoveryInterval", f.DiscoveryInterval, &c.DiscoveryInterval},
		{"resolveTimeout", f.ResolveTimeout, &c.ResolveTimeout},
		{"staleNodeThreshold", f.StaleNodeThreshold, &c.StaleNodeThreshold},
		{"healthCheckInterval", f.HealthCheckInterval, &c.HealthCheckInterval},
		{"electionTimeout", f.ElectionTimeout, &c.ElectionTimeout},
		{"watchdogInterval", f.WatchdogInterval, &c.WatchdogInterval},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return Config{}, invalid(d.field, "%v", err)
		}
		*d.dst = v
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
