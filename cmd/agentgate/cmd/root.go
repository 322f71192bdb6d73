// Package cmd provides the CLI commands for agentgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "agentgate - security gate for AI agents",
	Long: `agentgate is a control plane and runtime for AI agents. It
evaluates file, network, and shell operations against a policy rule
set, issues scoped capability tokens, runs agent workers in hardened
sandboxes, and records every decision to an audit trail.

Quick start:
  1. Create a config file: agentgate.yaml
  2. Run: agentgate start

Configuration:
  Config is loaded from agentgate.yaml in the current directory,
  $HOME/.agentgate/, or /etc/agentgate/.

  Environment variables can override config values with the AGENTGATE_
  prefix. Example: AGENTGATE_SERVER_HTTP_ADDR=127.0.0.1:9090

Commands:
  start        Start the gate server
  stop         Stop the running server
  hash-secret  Generate an Argon2id hash for a token or secret
  version      Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentgate.yaml)")
}
