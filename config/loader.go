package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/reactor/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REACTOR"

// Loader merges configuration layers: defaults, then each file in the
// order added, then environment overrides. Only keys present in a file
// override earlier layers.
type Loader struct {
	layers      []string
	validation  bool
	envPrefix   string
	lookupEnv   func(string) (string, bool)
	defaultName string
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer appends a JSON (.json) or YAML (.yaml, .yml) file.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// Layers returns the file layers in merge order.
func (l *Loader) Layers() []string {
	return append([]string(nil), l.layers...)
}

// PinDefaultName sets the node name used when no layer or environment
// variable names the node, instead of generating a new one on every Load.
func (l *Loader) PinDefaultName(name string) {
	l.defaultName = name
}

// EnableValidation enables or disables validation in Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads defaults plus one file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load builds the configuration from all layers.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		layer, err := l.readLayer(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read "+path)
		}
		merged = deepMergeMaps(merged, layer)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged layers")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = l.defaultName
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = DefaultNodeName()
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (l *Loader) readLayer(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		normalized, ok := normalizeYAML(raw).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("yaml root must be a mapping")
		}
		raw = normalized
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return raw, nil
}

// normalizeYAML turns any map[any]any left by nested documents into
// map[string]any so the tree can be re-encoded as JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(data, &m)
	return m, err
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides reads PREFIX_SECTION_FIELD variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		if v, ok := l.env(name); ok {
			*dst = v
		}
		return nil
	}
	list := func(name string, dst *[]string) error {
		if v, ok := l.env(name); ok {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
		return nil
	}
	integer := func(name string, dst *int) error {
		if v, ok := l.env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return l.envError(name, err)
			}
			*dst = n
		}
		return nil
	}
	boolean := func(name string, dst *bool) error {
		if v, ok := l.env(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return l.envError(name, err)
			}
			*dst = b
		}
		return nil
	}

	steps := []error{
		str("NODE_NAME", &cfg.Node.Name),
		str("LOG_LEVEL", &cfg.Node.LogLevel),
		str("LOG_FORMAT", &cfg.Node.LogFormat),
		integer("SCHEDULER_WORKERS", &cfg.Scheduler.Workers),
		str("NETWORK_BIND_ADDRESS", &cfg.Network.BindAddress),
		integer("NETWORK_TCP_PORT", &cfg.Network.TCPPort),
		integer("NETWORK_UDP_PORT", &cfg.Network.UDPPort),
		boolean("NETWORK_MULTICAST_ENABLED", &cfg.Network.Multicast.Enabled),
		str("NETWORK_MULTICAST_INTERFACE", &cfg.Network.Multicast.Interface),
		list("NETWORK_PEERS", &cfg.Network.Peers),
		boolean("METRICS_ENABLED", &cfg.Metrics.Enabled),
		str("METRICS_ADDRESS", &cfg.Metrics.Address),
		boolean("NATS_ENABLED", &cfg.NATS.Enabled),
		list("NATS_URLS", &cfg.NATS.URLs),
		str("NATS_USERNAME", &cfg.NATS.Username),
		str("NATS_PASSWORD", &cfg.NATS.Password),
		str("NATS_TOKEN", &cfg.NATS.Token),
		str("STATS_DATABASE", &cfg.Stats.Database),
		boolean("STATS_PUBLISH_NATS", &cfg.Stats.PublishNATS),
		boolean("HEARTBEAT_ENABLED", &cfg.Heartbeat.Enabled),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) env(name string) (string, bool) {
	key := l.envPrefix + "_" + name
	v, ok := l.lookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, validateEnvVar(key, v) == nil
}

func (l *Loader) envError(name string, err error) error {
	return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_"+name)
}
