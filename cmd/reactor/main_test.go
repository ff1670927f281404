package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "reactor version "+Version)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(good, []byte("node:\n  name: robot-1\n"), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: 2.0.0\n"), 0o600))

	out, err := execute(t, "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid (node robot-1, version 1.0.0)")

	_, err = execute(t, "validate", "-c", bad)
	assert.Error(t, err)

	_, err = execute(t, "validate", "-c", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")

	_, err = execute(t, "validate", "-c", good, "--log-level", "chatty")
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	base := CLIConfig{ShutdownTimeout: time.Second}
	assert.NoError(t, validateFlags(&base))

	for name, mutate := range map[string]func(*CLIConfig){
		"log level":  func(c *CLIConfig) { c.LogLevel = "trace" },
		"log format": func(c *CLIConfig) { c.LogFormat = "xml" },
		"timeout":    func(c *CLIConfig) { c.ShutdownTimeout = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, validateFlags(&cfg))
		})
	}
}

func TestFlagOverridesWinOverConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"node": {"name": "n", "log_level": "warn"}}`), 0o600))

	_, cfg, err := loadConfig(&CLIConfig{
		ConfigPaths:     []string{path},
		LogLevel:        "debug",
		LogFormat:       "text",
		ShutdownTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Node.LogLevel)
	assert.Equal(t, "text", cfg.Node.LogFormat)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range tests {
		got, ok := parseLevel(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	got, ok := parseLevel("verbose")
	assert.False(t, ok)
	assert.Equal(t, slog.LevelInfo, got)
}

func TestLoggerFollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger := setupLogger(&buf, "text", level)

	logger.Debug("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	level.Set(slog.LevelDebug)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "service=reactor")
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("REACTOR_TEST_LIST", " a.yaml, ,b.json ")
	t.Setenv("REACTOR_TEST_DURATION", "not-a-duration")

	assert.Equal(t, []string{"a.yaml", "b.json"}, getEnvList("REACTOR_TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("REACTOR_TEST_UNSET", []string{"x"}))
	assert.Equal(t, time.Second, getEnvDuration("REACTOR_TEST_DURATION", time.Second))
}
