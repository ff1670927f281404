// Package config loads the reactor node configuration from layered JSON or
// YAML files, applies REACTOR_* environment overrides, validates it and
// watches the files for changes.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/network"
)

// SupportedVersions is the range of configuration schema versions this
// build understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// CurrentVersion is written by SaveToFile when Version is empty.
const CurrentVersion = "1.0.0"

// Config is the complete node configuration.
type Config struct {
	Version   string          `json:"version"`
	Node      NodeConfig      `json:"node"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Network   NetworkConfig   `json:"network"`
	Metrics   MetricsConfig   `json:"metrics"`
	NATS      NATSConfig      `json:"nats"`
	Stats     StatsConfig     `json:"stats"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
}

// NodeConfig identifies the process and sets up logging.
type NodeConfig struct {
	Name      string `json:"name"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "json" or "text"
}

// SchedulerConfig sizes the task worker pool. Zero means one per CPU.
type SchedulerConfig struct {
	Workers int `json:"workers"`
}

// MulticastConfig mirrors network.MulticastConfig.
type MulticastConfig struct {
	Enabled   bool   `json:"enabled"`
	Group     string `json:"group"`
	Port      int    `json:"port"`
	Interface string `json:"interface,omitempty"`
	TTL       int    `json:"ttl"`
	Loopback  bool   `json:"loopback"`
}

// NetworkConfig configures the network controller.
type NetworkConfig struct {
	BindAddress       string          `json:"bind_address"`
	TCPPort           int             `json:"tcp_port"`
	UDPPort           int             `json:"udp_port"`
	Multicast         MulticastConfig `json:"multicast"`
	AnnounceInterval  Duration        `json:"announce_interval"`
	ReassemblyTimeout Duration        `json:"reassembly_timeout"`
	HandshakeTimeout  Duration        `json:"handshake_timeout"`
	MaxFrameSize      uint32          `json:"max_frame_size"`
	WriteTimeout      Duration        `json:"write_timeout"`
	DialRate          float64         `json:"dial_rate"`
	DialBurst         int             `json:"dial_burst"`
	Peers             []string        `json:"peers,omitempty"`
}

// MetricsConfig configures the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Path    string `json:"path"`
}

// NATSConfig configures the optional NATS connection.
type NATSConfig struct {
	Enabled       bool     `json:"enabled"`
	URLs          []string `json:"urls"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
}

// StatsConfig configures the statistics pipeline.
type StatsConfig struct {
	Recent      int      `json:"recent"`
	Workers     int      `json:"workers"`
	QueueSize   int      `json:"queue_size"`
	Database    string   `json:"database,omitempty"` // empty disables SQLite
	Retention   Duration `json:"retention"`
	PublishNATS bool     `json:"publish_nats"`
}

// HeartbeatConfig configures the built-in heartbeat reaction.
type HeartbeatConfig struct {
	Enabled  bool     `json:"enabled"`
	Interval Duration `json:"interval"`
	Reliable bool     `json:"reliable"`
}

// Default returns the built-in configuration layer.
func Default() *Config {
	net := network.DefaultConfig()
	return &Config{
		Version: CurrentVersion,
		Node: NodeConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Network: NetworkConfig{
			BindAddress: net.BindAddress,
			Multicast: MulticastConfig{
				Enabled:  net.Multicast.Enabled,
				Group:    net.Multicast.Group,
				Port:     net.Multicast.Port,
				TTL:      net.Multicast.TTL,
				Loopback: net.Multicast.Loopback,
			},
			AnnounceInterval:  Duration(net.AnnounceInterval),
			ReassemblyTimeout: Duration(net.ReassemblyTimeout),
			HandshakeTimeout:  Duration(net.HandshakeTimeout),
			MaxFrameSize:      net.MaxFrameSize,
			WriteTimeout:      Duration(net.WriteTimeout),
			DialRate:          net.DialRate,
			DialBurst:         net.DialBurst,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2e9),
		},
		Stats: StatsConfig{
			Recent:    1024,
			Workers:   2,
			QueueSize: 4096,
		},
		Heartbeat: HeartbeatConfig{
			Interval: Duration(1e9),
		},
	}
}

// DefaultNodeName returns "reactor-" plus eight random hex digits.
func DefaultNodeName() string {
	return "reactor-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ToNetwork converts the network section for the controller.
func (c *Config) ToNetwork() network.Config {
	n := c.Network
	return network.Config{
		Name:        c.Node.Name,
		BindAddress: n.BindAddress,
		TCPPort:     n.TCPPort,
		UDPPort:     n.UDPPort,
		Multicast: network.MulticastConfig{
			Enabled:   n.Multicast.Enabled,
			Group:     n.Multicast.Group,
			Port:      n.Multicast.Port,
			Interface: n.Multicast.Interface,
			TTL:       n.Multicast.TTL,
			Loopback:  n.Multicast.Loopback,
		},
		AnnounceInterval:  n.AnnounceInterval.D(),
		ReassemblyTimeout: n.ReassemblyTimeout.D(),
		HandshakeTimeout:  n.HandshakeTimeout.D(),
		MaxFrameSize:      n.MaxFrameSize,
		WriteTimeout:      n.WriteTimeout.D(),
		DialRate:          n.DialRate,
		DialBurst:         n.DialBurst,
		Peers:             append([]string(nil), n.Peers...),
	}
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := validateVersion(c.Version); err != nil {
		return err
	}
	if !logLevels[strings.ToLower(c.Node.LogLevel)] {
		return invalid(fmt.Sprintf("node.log_level %q must be debug, info, warn or error", c.Node.LogLevel))
	}
	if f := c.Node.LogFormat; f != "json" && f != "text" {
		return invalid(fmt.Sprintf("node.log_format %q must be json or text", f))
	}
	if c.Scheduler.Workers < 0 {
		return invalid("scheduler.workers cannot be negative")
	}
	if err := c.ToNetwork().Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "network section")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address is required when metrics are enabled")
	}
	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required when nats is enabled")
	}
	if c.Stats.Recent < 0 || c.Stats.Workers < 0 || c.Stats.QueueSize < 0 || c.Stats.Retention < 0 {
		return invalid("stats values cannot be negative")
	}
	if c.Stats.PublishNATS && !c.NATS.Enabled {
		return invalid("stats.publish_nats requires nats.enabled")
	}
	if c.Heartbeat.Enabled && c.Heartbeat.Interval <= 0 {
		return invalid("heartbeat.interval must be positive")
	}
	return nil
}

func validateVersion(version string) error {
	if version == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "version is required")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return invalid(fmt.Sprintf("version %q is not semantic: %v", version, err))
	}
	supported, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return errors.WrapFatal(err, "Config", "Validate", "parse supported range")
	}
	if !supported.Check(v) {
		return invalid(fmt.Sprintf("version %s outside supported range %s", v, SupportedVersions))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

// CompareVersions returns -1, 0 or 1 as v1 is older, equal or newer than v2.
func CompareVersions(v1, v2 string) (int, error) {
	a, err := semver.NewVersion(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", v1, err)
	}
	b, err := semver.NewVersion(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", v2, err)
	}
	return a.Compare(b), nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	out := c.Clone()
	if out.Version == "" {
		out.Version = CurrentVersion
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "marshal")
	}
	return safeWriteFile(path, data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg. A nil cfg becomes the defaults.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	sc.config = cfg.Clone()
	sc.mu.Unlock()
	return nil
}
