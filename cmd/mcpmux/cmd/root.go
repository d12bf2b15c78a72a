// Package cmd provides the CLI commands for mcpmux.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpmux/mcpmux/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpmux",
	Short: "mcpmux - multi-tenant MCP orchestrating proxy",
	Long: `mcpmux is a multi-tenant orchestrating proxy for Model Context Protocol
(MCP) tool servers. Each project gets one unified virtual MCP endpoint that
aggregates every enabled upstream server's tools behind a namespaced catalog.

Quick start:
  1. Create a config file: mcpmux.yaml
  2. Run: mcpmux serve

Configuration:
  Config is loaded from mcpmux.yaml in the current directory, $HOME/.mcpmux/,
  or /etc/mcpmux/.

  Environment variables override config values with the MCPMUX_ prefix
  (e.g. MCPMUX_SERVER_HTTP_ADDR=:9090), except for AUTH_SECRET, DISABLE_AUTH,
  MCP_SESSION_TIMEOUT_MINUTES, MCP_SESSION_CLEANUP_INTERVAL_MINUTES, and
  MCP_SERVER_BASE_URL, which are bound under those literal names.

Commands:
  serve       Start the proxy server
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpmux.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
