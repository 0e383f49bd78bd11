// Package cmd provides the CLI commands for mcp-guard.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-guard/mcp-guard/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcp-guard",
	Short: "mcp-guard - authorization gateway for MCP tool invocations",
	Long: `mcp-guard is a cache-backed policy decision point for Model Context
Protocol tool invocations: it evaluates every tool call against a Rego
policy bundle, caches the decision, and emits a decision audit trail.

Quick start:
  1. Create a config file: mcp-guard.yaml
  2. Run: mcp-guard serve

Configuration:
  Config is loaded from mcp-guard.yaml in the current directory,
  $HOME/.mcp-guard/, or /etc/mcp-guard/.

  Environment variables override config values with the MCPGUARD_ prefix.
  Example: MCPGUARD_SERVER_HTTP_ADDR=:9090

Commands:
  serve     Start the authorization server
  reload    Trigger a policy bundle reload on a running server
  version   Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcp-guard.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
