package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the effective constraints for a context",
	Long: `Resolve runs the constraint solver agent over one evaluation context and
prints the resolution event: the effective constraint set, the conflicts
found, and how each was resolved. The exit code is 0 only when the
underlying decision permits the action.

Resolutions always carry the evaluation trace.

Examples:
  # Resolve constraints from a policy document
  policy-engine resolve --policy-file policies.yaml --context request.json

  # Inspect conflict resolution across a directory of documents
  policy-engine resolve --policy-dir ./policies --context request.json --json

  # Ask a running engine instead of resolving locally
  policy-engine resolve --server http://localhost:3000 --context request.json`,
	RunE: runResolve,
}

var resolveOpts decisionCallOpts

func init() {
	addDecisionCallFlags(resolveCmd, &resolveOpts)
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	exitCode, err := runDecisionCall(cmd.Context(), &resolveOpts, agentResolve)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
