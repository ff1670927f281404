// Package main implements the reactor node: a scheduler, a local event bus
// and a peer-to-peer network controller, with task statistics exported to
// Prometheus, SQLite and NATS.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, overridden with -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "reactor"

func newRootCmd() *cobra.Command {
	cli := &CLIConfig{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Reactor node",
		Long:          `Runs a reactor node that schedules tasks from local and network events and shares them with peers on the LAN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerFlags(root, cli)

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the node and run until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runNode(cmd, cli)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration, then exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return validateConfig(cmd, cli)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s, %s)\n", appName, Version, BuildTime, runtime.Version())
			},
		},
	)
	return root
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
