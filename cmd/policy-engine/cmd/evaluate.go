package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	policyengine "github.com/llm-dev-ops/sdk-go"

	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/cel"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/memory"
	"github.com/llm-dev-ops/policy-engine/internal/config"
	"github.com/llm-dev-ops/policy-engine/internal/domain/approval"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/internal/domain/execution"
	"github.com/llm-dev-ops/policy-engine/internal/domain/policy"
	"github.com/llm-dev-ops/policy-engine/internal/service"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a context against the policy corpus",
	Long: `Evaluate runs the policy enforcement agent over one evaluation context and
prints the decision event. The exit code is 0 only when the decision permits
the action.

The corpus comes from --policy-file or --policy-dir, falling back to the
configured policy.dir. With --server the call goes to a running
policy-engine instead of evaluating locally.

Examples:
  # Evaluate a JSON context literal against a policy document
  policy-engine evaluate --policy-file policies.yaml \
    --context '{"llm":{"provider":"openai","model":"gpt-4","maxTokens":2000}}'

  # Evaluate a context file against a directory of documents
  policy-engine evaluate --policy-dir ./policies --context request.json

  # Trace every rule the engine visited
  policy-engine evaluate --policy-dir ./policies --context request.json --trace --json

  # Dry run: decide without persisting the decision record
  policy-engine evaluate --policy-dir ./policies --context request.json --dry-run

  # Ask a running engine instead of evaluating locally
  policy-engine evaluate --server http://localhost:3000 --context request.json`,
	RunE: runEvaluate,
}

var evaluateOpts decisionCallOpts

func init() {
	addDecisionCallFlags(evaluateCmd, &evaluateOpts)
	rootCmd.AddCommand(evaluateCmd)
}

// runEvaluate is the entry point; it calls the internal runner (where defers
// run on return) and then propagates the exit code via os.Exit if needed.
func runEvaluate(cmd *cobra.Command, args []string) error {
	exitCode, err := runDecisionCall(cmd.Context(), &evaluateOpts, agentEvaluate)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// decisionCallOpts are the flags shared by the evaluate and resolve
// commands.
type decisionCallOpts struct {
	contextArg string
	requestID  string
	policies   []string
	dryRun     bool
	trace      bool
	jsonOut    bool
	policyFile string
	policyDir  string
	serverAddr string
}

func addDecisionCallFlags(cmd *cobra.Command, o *decisionCallOpts) {
	cmd.Flags().StringVar(&o.contextArg, "context", "", "evaluation context: a JSON literal or a path to a JSON/YAML file")
	cmd.Flags().StringVar(&o.requestID, "request-id", "", "idempotency key recorded on the decision event")
	cmd.Flags().StringSliceVar(&o.policies, "policies", nil, "restrict evaluation to these policy ids")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "decide without persisting the decision record")
	cmd.Flags().BoolVar(&o.trace, "trace", false, "include per-rule evaluation steps in the event")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false, "print the full response envelope instead of the event")
	cmd.Flags().StringVar(&o.policyFile, "policy-file", "", "policy document to evaluate against")
	cmd.Flags().StringVar(&o.policyDir, "policy-dir", "", "directory of policy documents to evaluate against")
	cmd.Flags().StringVar(&o.serverAddr, "server", "", "address of a running policy-engine to call instead of evaluating locally")
}

// agentKind selects which decision agent a one-shot call runs.
type agentKind int

const (
	agentEvaluate agentKind = iota
	agentResolve
)

// runDecisionCall executes one evaluate or resolve invocation, locally or
// against a server, and returns the process exit code.
func runDecisionCall(ctx context.Context, o *decisionCallOpts, kind agentKind) (int, error) {
	evalCtx, err := loadContextArg(o.contextArg)
	if err != nil {
		return 0, err
	}

	req := evaluation.Request{
		RequestID: o.requestID,
		Context:   evalCtx,
		PolicyIDs: o.policies,
		DryRun:    o.dryRun,
		Trace:     o.trace,
	}

	if o.serverAddr != "" {
		return remoteDecisionCall(ctx, o.serverAddr, kind, req, o.jsonOut)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	policies, err := corpusFromFlags(o.policyFile, o.policyDir, cfg)
	if err != nil {
		return 0, err
	}

	rt, stop, err := localRuntime(ctx, cfg, policies, logger)
	if err != nil {
		return 0, err
	}
	defer stop()

	call := mintCall()
	var resp decision.Response
	switch kind {
	case agentResolve:
		resp = service.NewConstraintService(rt).Resolve(ctx, call, req)
	default:
		resp = service.NewEnforcementService(rt).Evaluate(ctx, call, req)
	}
	return printResponse(resp, o.jsonOut)
}

// remoteDecisionCall delegates the call to a running engine through the SDK.
func remoteDecisionCall(ctx context.Context, serverAddr string, kind agentKind, req evaluation.Request, jsonOut bool) (int, error) {
	client := policyengine.NewClient(
		policyengine.WithServerAddr(serverAddr),
		policyengine.WithUserAgent("policy-engine-cli/"+Version),
	)
	sdkReq := policyengine.EvaluationRequest{
		RequestID: req.RequestID,
		Context:   policyengine.Context(req.Context),
		PolicyIDs: req.PolicyIDs,
		DryRun:    req.DryRun,
		Trace:     req.Trace,
	}

	var (
		env *policyengine.Envelope
		err error
	)
	switch kind {
	case agentResolve:
		env, err = client.Resolve(ctx, mintRemoteCall(), sdkReq)
	default:
		env, err = client.Evaluate(ctx, mintRemoteCall(), sdkReq)
	}
	if err != nil {
		return 0, err
	}
	return printRemoteEnvelope(env, jsonOut)
}

// corpusFromFlags loads the local policy corpus: explicit file and directory
// flags win, then the configured policy.dir.
func corpusFromFlags(file, dir string, cfg *config.Config) ([]*policy.Policy, error) {
	var out []*policy.Policy
	if file != "" {
		doc, err := loadPolicyDocument(file)
		if err != nil {
			return nil, err
		}
		out = append(out, doc.Policies...)
	}
	if dir != "" {
		fromDir, err := loadPolicyDir(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, fromDir...)
	}
	if out == nil && cfg.Policy.Dir != "" {
		return loadPolicyDir(cfg.Policy.Dir)
	}
	return out, nil
}

// localRuntime assembles the one-shot agent runtime over an in-memory store
// and record sink. The returned stop flushes pending records.
func localRuntime(ctx context.Context, cfg *config.Config, policies []*policy.Policy, logger *slog.Logger) (*service.Runtime, func(), error) {
	store := memory.NewPolicyStore()
	for _, p := range policies {
		store.Seed(p)
	}

	guards, err := cel.NewCompiler(cel.WithEnvironment(cfg.Env))
	if err != nil {
		return nil, nil, fmt.Errorf("build guard compiler: %w", err)
	}

	engine, err := service.NewEngine(ctx, store, logger, service.WithGuardCompiler(guards))
	if err != nil {
		return nil, nil, err
	}

	dispatcher := service.NewRecordDispatcher(memory.NewRecordSink(), logger)
	dispatcher.Start(ctx)

	rt := service.NewRuntime(engine, service.NewEventBuilder(Version), dispatcher,
		service.WithRuntimeLogger(logger),
		service.WithEnvironment(cfg.Env),
	)
	return rt, dispatcher.Stop, nil
}

// mintCall mints the execution identifiers the platform orchestrator would
// stamp on a service call. The CLI acts as its own orchestrator.
func mintCall() execution.CallContext {
	return execution.CallContext{
		ExecutionID:  uuid.NewString(),
		ParentSpanID: uuid.NewString(),
	}
}

func mintRemoteCall() policyengine.CallContext {
	return policyengine.CallContext{
		ExecutionID:  uuid.NewString(),
		ParentSpanID: uuid.NewString(),
	}
}

// printResponse prints the decision event (or the whole envelope with
// --json) and maps the response onto the exit code: 0 only when the
// decision permits the action.
func printResponse(resp decision.Response, jsonOut bool) (int, error) {
	var body any = resp.Data
	if jsonOut {
		body = resp
	}
	if body != nil {
		out, err := json.MarshalIndent(body, "", "  ")
		if err != nil {
			return 0, fmt.Errorf("encode response: %w", err)
		}
		fmt.Println(string(out))
	}

	if !resp.Success {
		if resp.Error != nil {
			return 0, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return 0, errors.New("agent returned failure without error detail")
	}
	if resp.Data != nil && eventPermits(resp.Data.Outputs) {
		return 0, nil
	}
	return 1, nil
}

// printRemoteEnvelope is printResponse over the SDK envelope.
func printRemoteEnvelope(env *policyengine.Envelope, jsonOut bool) (int, error) {
	var body any = env.Data
	if jsonOut {
		body = env
	}
	if body != nil {
		out, err := json.MarshalIndent(body, "", "  ")
		if err != nil {
			return 0, fmt.Errorf("encode response: %w", err)
		}
		fmt.Println(string(out))
	}

	if env.Data != nil && env.Data.Allowed() {
		return 0, nil
	}
	return 1, nil
}

// eventPermits reports whether a decision event permits the action, across
// the three agents' output shapes: enforcement carries a top-level allowed
// flag, constraint resolutions nest it under decision, routing decisions
// permit on auto-approval or bypass.
func eventPermits(outputs map[string]any) bool {
	if b, ok := outputs["allowed"].(bool); ok {
		return b
	}
	if d, ok := outputs["decision"].(map[string]any); ok {
		if b, ok := d["allowed"].(bool); ok {
			return b
		}
	}
	if b, ok := outputs["auto_approved"].(bool); ok && b {
		return true
	}
	switch outcome := outputs["outcome"].(type) {
	case approval.Outcome:
		return outcome == approval.OutcomeApprovalBypassed
	case string:
		return outcome == string(approval.OutcomeApprovalBypassed)
	}
	return false
}
