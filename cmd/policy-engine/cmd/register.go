package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	policyengine "github.com/llm-dev-ops/sdk-go"

	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/memory"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/record"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/sqlite"
	"github.com/llm-dev-ops/policy-engine/internal/config"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
	"github.com/llm-dev-ops/policy-engine/internal/service"
)

var registerCmd = &cobra.Command{
	Use:   "register [agent-id...]",
	Short: "Announce hosted agents to the platform",
	Long: `Register persists a registration record for each named agent, announcing
it to the platform. With no arguments all three hosted agents register.

With --server the registration goes through a running engine. Locally the
record lands in the configured record sink, so a sqlite or file backend is
what makes it durable.

Examples:
  policy-engine register
  policy-engine register policy-enforcement-agent
  policy-engine register --server http://localhost:3000`,
	RunE: runRegister,
}

var registerServer string

func init() {
	registerCmd.Flags().StringVar(&registerServer, "server", "", "address of a running policy-engine to register through")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	ids := args
	if len(ids) == 0 {
		ids = []string{
			decision.AgentPolicyEnforcement,
			decision.AgentConstraintSolver,
			decision.AgentApprovalRouting,
		}
	}

	if registerServer != "" {
		client := policyengine.NewClient(
			policyengine.WithServerAddr(registerServer),
			policyengine.WithUserAgent("policy-engine-cli/"+Version),
		)
		for _, id := range ids {
			info, err := client.RegisterAgent(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s v%s (%s)\n", info.AgentID, info.AgentVersion, info.DecisionType)
		}
		return nil
	}

	return registerLocal(cmd.Context(), ids)
}

func registerLocal(ctx context.Context, ids []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	var sink outbound.RecordSink
	switch cfg.RecordSink.Backend {
	case "sqlite":
		db, err := sqlite.Open(cfg.RecordSink.DSN, logger)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer func() { _ = db.Close() }()
		sink = db
	case "file":
		fileSink, err := record.NewFileSink(record.FileConfig{Dir: cfg.RecordSink.Dir}, logger)
		if err != nil {
			return fmt.Errorf("open file record sink: %w", err)
		}
		defer func() { _ = fileSink.Close() }()
		sink = fileSink
	default:
		sink = memory.NewRecordSink()
		logger.Warn("registering against the in-memory sink; records do not outlive this process")
	}

	dispatcher := service.NewRecordDispatcher(sink, logger,
		service.WithDispatchSendTimeout(cfg.RecordSink.Timeout()),
	)
	dispatcher.Start(ctx)

	registry := service.NewAgentRegistry(Version, dispatcher)
	var failed error
	for _, id := range ids {
		info, err := registry.Register(ctx, id)
		if err != nil {
			failed = err
			break
		}
		fmt.Printf("registered %s v%s (%s)\n", info.AgentID, info.AgentVersion, info.DecisionType)
	}

	// Stop drains queued registrations into the sink before the deferred
	// close runs.
	dispatcher.Stop()
	return failed
}
