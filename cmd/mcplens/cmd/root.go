// Package cmd provides the CLI commands for mcplens.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcplens/mcplens/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcplens",
	Short: "mcplens - MCP observability gateway",
	Long: `mcplens is an observability gateway for Model Context Protocol (MCP)
servers. It proxies JSON-RPC and SSE traffic to named upstreams, captures
every exchange into a queryable store, and exposes a REST API over the
captured traffic.

Quick start:
  1. Create a config file: mcplens init
  2. Register an upstream: POST /api/registry {"name":"demo","url":"http://localhost:3000/mcp"}
  3. Point your MCP client at http://localhost:8787/servers/demo/mcp

Configuration:
  Config is loaded from mcplens.yaml in the current directory,
  $HOME/.mcplens/, or /etc/mcplens/.

  Environment variables can override config values with the MCPLENS_ prefix.
  Example: MCPLENS_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the gateway
  init        Write a starter config file
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcplens.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
