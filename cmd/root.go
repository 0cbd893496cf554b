// Package cmd holds the foreman command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Supervise interactive AI CLI workers in tmux sessions",
	Long: `Foreman spawns and supervises long-lived interactive AI CLI subprocesses
inside detachable tmux sessions. Workers are gated by dependencies, monitored
for health, and exposed over an HTTP API with live SSE output streams.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/foreman/config.yaml)")
}

// SetVersion sets the version string shown by --version. Called from main
// with build information injected via ldflags.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
