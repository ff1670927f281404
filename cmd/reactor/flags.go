package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/reactor/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

func registerFlags(cmd *cobra.Command, cfg *CLIConfig) {
	flags := cmd.PersistentFlags()

	flags.StringSliceVarP(&cfg.ConfigPaths, "config", "c",
		getEnvList("REACTOR_CONFIG", nil),
		"Configuration files merged in order, JSON or YAML (env: REACTOR_CONFIG)")

	flags.StringVar(&cfg.LogLevel, "log-level", "",
		"Override node.log_level: debug, info, warn, error")

	flags.StringVar(&cfg.LogFormat, "log-format", "",
		"Override node.log_format: json, text")

	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("REACTOR_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: REACTOR_SHUTDOWN_TIMEOUT)")
}

func validateFlags(cfg *CLIConfig) error {
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if cfg.LogLevel != "" {
		if _, ok := parseLevel(cfg.LogLevel); !ok {
			return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
		}
	}
	if f := cfg.LogFormat; f != "" && f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s", f)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

// loadConfig builds the loader from the flags and loads the configuration.
// The loader is returned so the watcher can reload the same layers.
func loadConfig(cli *CLIConfig) (*config.Loader, *config.Config, error) {
	if err := validateFlags(cli); err != nil {
		return nil, nil, fmt.Errorf("invalid flags: %w", err)
	}

	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cli, cfg)
	return loader, cfg, nil
}

func applyFlagOverrides(cli *CLIConfig, cfg *config.Config) {
	if cli.LogLevel != "" {
		cfg.Node.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Node.LogFormat = cli.LogFormat
	}
}

func validateConfig(cmd *cobra.Command, cli *CLIConfig) error {
	_, cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	slog.Debug("Configuration loaded", "layers", len(cli.ConfigPaths))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (node %s, version %s)\n", cfg.Node.Name, cfg.Version)
	return nil
}

// Environment variable helper functions
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
