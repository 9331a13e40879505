// Package cmd provides the CLI commands for qmictl.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qmigo/qmigo/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "qmictl",
	Short: "qmictl - qmigo context process manager",
	Long: `qmictl runs and manages qmigo contexts: processes that host
long-lived services reachable over the qmigo messaging fabric.

Quick start:
  1. Create a config file: qmigo.yaml
  2. Run: qmictl start

Configuration:
  Config is loaded from qmigo.yaml in the current directory or
  /etc/qmigo/.

  Environment variables can override config values with the QMIGO_ prefix.
  Example: QMIGO_BIND_PORT=40001

Commands:
  start       Start a context process
  services    List the services a running context hosts
  peers       List the peers a running context is connected to
  discover    List the contexts answering in a workgroup
  stop        Request orderly shutdown of a running context
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./qmigo.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
