// Package cmd provides the CLI commands for the policy engine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llm-dev-ops/policy-engine/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "policy-engine",
	Short: "Policy Engine - decision point for LLM operations",
	Long: `Policy Engine is the decision point for LLM operations platforms.

It hosts three decision agents over a shared evaluation core: policy
enforcement (allow/deny/modify/warn), constraint resolution (reify matched
rules, detect and resolve conflicts), and approval routing (assemble the
approval chain an action must clear).

Quick start:
  1. Create a config file: policy-engine.yaml
  2. Write a policy document and point policy.dir at it
  3. Run: policy-engine serve

Configuration:
  Config is loaded from policy-engine.yaml in the current directory,
  $HOME/.policy-engine/, or /etc/policy-engine/.

  Environment variables can override config values with the POLICY_ENGINE_
  prefix. Example: POLICY_ENGINE_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the decision API server
  evaluate    Evaluate a context against the policy corpus
  resolve     Resolve the constraints a context activates
  route       Route an action through the approval rules
  validate    Validate a policy document against the governance rules
  info        Print agent registration metadata
  register    Register the hosted agents with the record sink
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policy-engine.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
