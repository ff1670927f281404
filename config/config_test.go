package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reactor/errors"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Node.Name = "robot-1"
	return cfg
}

func TestDefaultIsValidOnceNamed(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	err := Default().Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1.0.0", true},
		{"1.4.2", true},
		{"v1.2", true},
		{"2.0.0", false},
		{"0.9.0", false},
		{"one", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			cfg := validConfig()
			cfg.Version = tt.version
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidateSections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Node.LogLevel = "loud" }},
		{"log format", func(c *Config) { c.Node.LogFormat = "xml" }},
		{"workers", func(c *Config) { c.Scheduler.Workers = -1 }},
		{"tcp port", func(c *Config) { c.Network.TCPPort = 70000 }},
		{"multicast group", func(c *Config) { c.Network.Multicast.Group = "10.0.0.1" }},
		{"write timeout", func(c *Config) { c.Network.WriteTimeout = 0 }},
		{"long name", func(c *Config) { c.Node.Name = strings.Repeat("x", 256) }},
		{"metrics address", func(c *Config) { c.Metrics.Address = "" }},
		{"nats urls", func(c *Config) { c.NATS.Enabled = true; c.NATS.URLs = nil }},
		{"stats publish without nats", func(c *Config) { c.Stats.PublishNATS = true }},
		{"heartbeat interval", func(c *Config) { c.Heartbeat.Enabled = true; c.Heartbeat.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestToNetwork(t *testing.T) {
	cfg := validConfig()
	cfg.Network.TCPPort = 7100
	cfg.Network.Peers = []string{"10.0.0.2:7100"}
	cfg.Network.AnnounceInterval = Duration(250 * time.Millisecond)

	n := cfg.ToNetwork()
	assert.Equal(t, "robot-1", n.Name)
	assert.Equal(t, 7100, n.TCPPort)
	assert.Equal(t, 250*time.Millisecond, n.AnnounceInterval)
	assert.Equal(t, 5*time.Second, n.WriteTimeout)
	assert.Equal(t, []string{"10.0.0.2:7100"}, n.Peers)
	assert.Equal(t, "239.226.152.162", n.Multicast.Group)
	require.NoError(t, n.Validate())

	n.Peers[0] = "changed"
	assert.Equal(t, "10.0.0.2:7100", cfg.Network.Peers[0])
}

func TestDurationJSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
		C Duration `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1m30s","b":"2d","c":1000}`), &v))
	assert.Equal(t, 90*time.Second, v.A.D())
	assert.Equal(t, 48*time.Hour, v.B.D())
	assert.Equal(t, time.Microsecond, v.C.D())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"1m30s","b":"48h0m0s","c":"1µs"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}

func TestCloneIsDeep(t *testing.T) {
	cfg := validConfig()
	cfg.Network.Peers = []string{"a:1"}
	clone := cfg.Clone()
	clone.Network.Peers[0] = "b:2"
	clone.Node.Name = "other"

	assert.Equal(t, "a:1", cfg.Network.Peers[0])
	assert.Equal(t, "robot-1", cfg.Node.Name)
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "s3cr3t-token"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "s3cr3t-token")
	assert.Contains(t, s, `"password": "***"`)
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestSafeConfig(t *testing.T) {
	safe := NewSafeConfig(validConfig())

	got := safe.Get()
	got.Node.Name = "mutated"
	assert.Equal(t, "robot-1", safe.Get().Node.Name)

	bad := validConfig()
	bad.Version = "9.0.0"
	assert.Error(t, safe.Update(bad))
	assert.Equal(t, "1.0.0", safe.Get().Version)

	next := validConfig()
	next.Node.Name = "robot-2"
	require.NoError(t, safe.Update(next))
	assert.Equal(t, "robot-2", safe.Get().Node.Name)

	assert.Error(t, safe.Update(nil))
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	cfg := validConfig()
	cfg.Version = ""
	cfg.Stats.Retention = Duration(7 * 24 * time.Hour)
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, loaded.Version)
	assert.Equal(t, "robot-1", loaded.Node.Name)
	assert.Equal(t, 7*24*time.Hour, loaded.Stats.Retention.D())
}

func TestCompareVersions(t *testing.T) {
	c, err := CompareVersions("1.2.0", "1.10.0")
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = CompareVersions("1.0.0", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	_, err = CompareVersions("x", "1.0.0")
	assert.Error(t, err)
}

func TestDefaultNodeName(t *testing.T) {
	a, b := DefaultNodeName(), DefaultNodeName()
	assert.True(t, strings.HasPrefix(a, "reactor-"))
	assert.Len(t, a, len("reactor-")+8)
	assert.NotEqual(t, a, b)
}
