package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/cel"
	"github.com/llm-dev-ops/policy-engine/internal/config"
	"github.com/llm-dev-ops/policy-engine/internal/domain/governance"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/service"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a policy document",
	Long: `Validate parses a policy document, checks its structure, and grades every
policy in it against the governance rules: risk classification, deny
hygiene, threshold plausibility, guard compilation.

The exit code is 0 only when the document parses and every policy passes
review. Warnings and notices are reported but never block.

Examples:
  policy-engine validate policies.yaml
  policy-engine validate policies.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateJSON bool

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the reports as JSON")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	exitCode, err := runValidateInternal(args[0])
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func runValidateInternal(path string) (int, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}

	doc, err := loadPolicyDocument(path)
	if err != nil {
		var structErr *policy.StructuralError
		if errors.As(err, &structErr) {
			printStructuralFindings(path, structErr.Violations)
			return 1, nil
		}
		return 0, err
	}

	guards, err := cel.NewCompiler(cel.WithEnvironment(cfg.Env))
	if err != nil {
		return 0, fmt.Errorf("build guard compiler: %w", err)
	}
	gov := service.NewGovernanceService(guards, governance.Thresholds{
		WarningPercent:  cfg.Governance.WarningThresholdPercent,
		CriticalPercent: cfg.Governance.CriticalThresholdPercent,
	})

	type policyReport struct {
		PolicyID string `json:"policy_id"`
		governance.Report
	}
	reports := make([]policyReport, 0, len(doc.Policies))
	invalid := 0
	for _, p := range doc.Policies {
		report := gov.Review(p)
		if !report.Valid {
			invalid++
		}
		reports = append(reports, policyReport{PolicyID: p.ID, Report: report})
	}

	if validateJSON {
		out, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return 0, fmt.Errorf("encode reports: %w", err)
		}
		fmt.Println(string(out))
	} else {
		for _, r := range reports {
			if r.Valid {
				fmt.Printf("policy %s: valid (%s, risk %s)\n", r.PolicyID, r.PolicyType, r.RiskLevel)
			} else {
				fmt.Printf("policy %s: INVALID (%s, risk %s)\n", r.PolicyID, r.PolicyType, r.RiskLevel)
			}
			for _, v := range r.Violations {
				printViolation(v)
			}
			if r.RequiresApproval {
				fmt.Printf("  requires approval: %s\n", r.ApprovalReason)
			}
		}
		fmt.Printf("%d policies checked, %d invalid\n", len(reports), invalid)
	}

	if invalid > 0 {
		return 1, nil
	}
	return 0, nil
}

func printStructuralFindings(path string, violations []policy.Violation) {
	if validateJSON {
		out, _ := json.MarshalIndent(map[string]any{
			"valid":      false,
			"violations": violations,
		}, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Printf("%s: INVALID\n", path)
	for _, v := range violations {
		printViolation(v)
	}
}

func printViolation(v policy.Violation) {
	if v.Field != "" {
		fmt.Printf("  [%s] %s %s: %s\n", v.Severity, v.Code, v.Field, v.Message)
		return
	}
	fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Code, v.Message)
}
