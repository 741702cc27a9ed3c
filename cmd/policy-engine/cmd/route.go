package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	policyengine "github.com/llm-dev-ops/sdk-go"

	"github.com/llm-dev-ops/policy-engine/internal/config"
	"github.com/llm-dev-ops/policy-engine/internal/domain/approval"
	"github.com/llm-dev-ops/policy-engine/internal/service"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Route an action through the approval rules",
	Long: `Route runs the approval routing agent over one action context and prints
the routing event: the assembled approval chain, the matched rules, and
whether the action auto-approved. The exit code is 0 only when the action
is auto-approved or bypasses approval entirely.

Rules come from --rules, falling back to the configured
approval.rules_file. With no rules at all the action bypasses approval.

Examples:
  # Route a production deployment for user-123
  policy-engine route --rules approval-rules.yaml \
    --context '{"action":{"type":"deployment"},"environment":"production"}' \
    --requester user-123 --roles developer

  # High-priority request, restricted to specific rules
  policy-engine route --rules approval-rules.yaml --context action.json \
    --requester user-123 --priority high --rule-filter prod-deploy-gate

  # Ask a running engine instead of routing locally
  policy-engine route --server http://localhost:3000 --context action.json \
    --requester user-123`,
	RunE: runRoute,
}

var (
	routeContext    string
	routeRequester  string
	routeRoles      []string
	routePriority   string
	routeRuleFilter []string
	routeRulesFile  string
	routeJSON       bool
	routeServer     string
)

func init() {
	routeCmd.Flags().StringVar(&routeContext, "context", "", "action context: a JSON literal or a path to a JSON/YAML file")
	routeCmd.Flags().StringVar(&routeRequester, "requester", "", "id of the user or agent asking for approval")
	routeCmd.Flags().StringSliceVar(&routeRoles, "roles", nil, "roles held by the requester")
	routeCmd.Flags().StringVar(&routePriority, "priority", "", "request priority (low, normal, high, critical)")
	routeCmd.Flags().StringSliceVar(&routeRuleFilter, "rule-filter", nil, "restrict routing to these approval rule ids")
	routeCmd.Flags().StringVar(&routeRulesFile, "rules", "", "approval rules file (overrides the configured approval.rules_file)")
	routeCmd.Flags().BoolVar(&routeJSON, "json", false, "print the full response envelope instead of the event")
	routeCmd.Flags().StringVar(&routeServer, "server", "", "address of a running policy-engine to call instead of routing locally")
	rootCmd.AddCommand(routeCmd)
}

func runRoute(cmd *cobra.Command, args []string) error {
	exitCode, err := runRouteInternal(cmd.Context())
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func runRouteInternal(ctx context.Context) (int, error) {
	actionCtx, err := loadContextArg(routeContext)
	if err != nil {
		return 0, err
	}

	if routeServer != "" {
		client := policyengine.NewClient(
			policyengine.WithServerAddr(routeServer),
			policyengine.WithUserAgent("policy-engine-cli/"+Version),
		)
		env, err := client.Route(ctx, mintRemoteCall(), policyengine.ApprovalInput{
			ActionContext: policyengine.Context(actionCtx),
			Requester:     policyengine.Requester{ID: routeRequester, Roles: routeRoles},
			Priority:      routePriority,
			RuleFilter:    routeRuleFilter,
		})
		if err != nil {
			return 0, err
		}
		return printRemoteEnvelope(env, routeJSON)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	rulesFile := routeRulesFile
	if rulesFile == "" {
		rulesFile = cfg.Approval.RulesFile
	}
	var rules []*approval.Rule
	if rulesFile != "" {
		rules, err = approval.LoadRulesFile(rulesFile)
		if err != nil {
			return 0, fmt.Errorf("load approval rules: %w", err)
		}
	}
	loc, err := time.LoadLocation(cfg.Approval.Timezone)
	if err != nil {
		return 0, fmt.Errorf("load approval timezone: %w", err)
	}

	// Routing never consults the policy corpus, so the runtime gets an
	// empty store.
	rt, stop, err := localRuntime(ctx, cfg, nil, logger)
	if err != nil {
		return 0, err
	}
	defer stop()

	router := service.NewApprovalService(rt, rules, service.WithApprovalTimezone(loc))
	resp := router.Route(ctx, mintCall(), approval.Input{
		ActionContext: actionCtx,
		Requester:     approval.Requester{ID: routeRequester, Roles: routeRoles},
		Priority:      routePriority,
		RuleFilter:    routeRuleFilter,
	})
	return printResponse(resp, routeJSON)
}
