package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	policyengine "github.com/llm-dev-ops/sdk-go"

	"github.com/llm-dev-ops/policy-engine/internal/service"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the hosted decision agents",
	Long: `Info lists the decision agents this engine hosts, with their version,
decision type and capabilities. With --server it queries a running engine
instead of describing this build.

Examples:
  policy-engine info
  policy-engine info --server http://localhost:3000 --json`,
	RunE: runInfo,
}

var (
	infoJSON   bool
	infoServer string
)

func init() {
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "print the agent list as JSON")
	infoCmd.Flags().StringVar(&infoServer, "server", "", "address of a running policy-engine to query instead of describing this build")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	if infoServer != "" {
		client := policyengine.NewClient(
			policyengine.WithServerAddr(infoServer),
			policyengine.WithUserAgent("policy-engine-cli/"+Version),
		)
		agents, err := client.Agents(cmd.Context())
		if err != nil {
			return err
		}
		if infoJSON {
			return printAgentsJSON(agents)
		}
		for _, a := range agents {
			printAgentLine(a.AgentID, a.AgentVersion, a.DecisionType, a.Capabilities)
		}
		return nil
	}

	agents := service.NewAgentRegistry(Version, nil).Agents()
	if infoJSON {
		return printAgentsJSON(agents)
	}
	for _, a := range agents {
		printAgentLine(a.AgentID, a.AgentVersion, string(a.DecisionType), a.Capabilities)
	}
	return nil
}

func printAgentsJSON(agents any) error {
	out, err := json.MarshalIndent(map[string]any{"agents": agents}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func printAgentLine(id, version, decisionType string, capabilities []string) {
	fmt.Printf("%s v%s (%s)\n", id, version, decisionType)
	if len(capabilities) > 0 {
		fmt.Printf("  capabilities: %s\n", strings.Join(capabilities, ", "))
	}
}
