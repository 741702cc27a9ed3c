package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/llm-dev-ops/policy-engine/internal/adapter/inbound/admin"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/inbound/http"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/cel"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/memory"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/record"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/sqlite"
	"github.com/llm-dev-ops/policy-engine/internal/adapter/outbound/telemetry"
	"github.com/llm-dev-ops/policy-engine/internal/config"
	"github.com/llm-dev-ops/policy-engine/internal/domain/approval"
	"github.com/llm-dev-ops/policy-engine/internal/domain/governance"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
	"github.com/llm-dev-ops/policy-engine/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision API server",
	Long: `Start the policy decision API server.

The server loads the policy corpus, compiles guard expressions, and exposes
the three decision agents over HTTP: POST /v1/evaluate, /v1/resolve and
/v1/route, plus the policy admin API under /v1/policies, agent metadata
under /v1/agents, /healthz and /metrics.

Examples:
  # Serve with config file settings
  policy-engine serve

  # Serve a corpus from a directory of policy documents
  policy-engine serve --policy-dir ./policies

  # Serve on another address without the decision cache
  policy-engine serve --listen :8443 --no-cache

  # Serve with a specific config file
  policy-engine --config /path/to/config.yaml serve`,
	RunE: runServe,
}

var (
	serveListen      string
	servePolicyDir   string
	serveNoCache     bool
	serveNoTelemetry bool
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides server.http_addr)")
	serveCmd.Flags().StringVar(&servePolicyDir, "policy-dir", "", "directory of policy documents to load at boot (overrides policy.dir)")
	serveCmd.Flags().BoolVar(&serveNoCache, "no-cache", false, "disable the decision cache")
	serveCmd.Flags().BoolVar(&serveNoTelemetry, "no-telemetry", false, "disable telemetry export")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if serveListen != "" {
		cfg.Server.HTTPAddr = serveListen
	}
	if servePolicyDir != "" {
		cfg.Policy.Dir = servePolicyDir
	}
	if serveNoCache {
		cfg.Policy.Cache.Enabled = false
	}
	if serveNoTelemetry {
		cfg.Telemetry.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := runServer(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("policy-engine stopped")
	return nil
}

// runServer wires the evaluation core, the record pipeline and the HTTP
// adapter together and blocks until the context is cancelled.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Storage. The sqlite backend serves the policy store, the record sink
	// and the audit trail from one database; memory and file sinks pair
	// with the in-memory policy store.
	var (
		store outbound.PolicyStore
		sink  outbound.RecordSink
		trail outbound.AuditTrailSource
	)
	switch cfg.RecordSink.Backend {
	case "sqlite":
		db, err := sqlite.Open(cfg.RecordSink.DSN, logger)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer func() { _ = db.Close() }()
		store, sink, trail = db, db, db
	case "file":
		fileSink, err := record.NewFileSink(record.FileConfig{Dir: cfg.RecordSink.Dir}, logger)
		if err != nil {
			return fmt.Errorf("open file record sink: %w", err)
		}
		defer func() { _ = fileSink.Close() }()
		store = memory.NewPolicyStore()
		sink, trail = fileSink, fileSink
	default:
		memSink := memory.NewRecordSink()
		store = memory.NewPolicyStore()
		sink, trail = memSink, memSink
	}
	logger.Info("record sink ready", "backend", cfg.RecordSink.Backend)

	// Seed the corpus from the policy directory. Fail-closed: one invalid
	// document and the server does not start.
	if cfg.Policy.Dir != "" {
		policies, err := loadPolicyDir(cfg.Policy.Dir)
		if err != nil {
			return fmt.Errorf("load policy directory: %w", err)
		}
		if err := seedStore(ctx, store, policies); err != nil {
			return err
		}
		logger.Info("policy directory loaded", "dir", cfg.Policy.Dir, "policies", len(policies))
	}

	guards, err := cel.NewCompiler(cel.WithEnvironment(cfg.Env))
	if err != nil {
		return fmt.Errorf("build guard compiler: %w", err)
	}

	engine, err := service.NewEngine(ctx, store, logger, service.WithGuardCompiler(guards))
	if err != nil {
		return err
	}

	dispatcher := service.NewRecordDispatcher(sink, logger,
		service.WithDispatchSendTimeout(cfg.RecordSink.Timeout()),
	)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	runtimeOpts := []service.RuntimeOption{
		service.WithRuntimeLogger(logger),
		service.WithEnvironment(cfg.Env),
	}

	var cache *service.DecisionCache
	if cfg.Policy.Cache.Enabled {
		cache = service.NewDecisionCache(cfg.Policy.Cache.TTL(), cfg.Policy.Cache.MaxEntries)
		runtimeOpts = append(runtimeOpts, service.WithCache(cache))
		logger.Info("decision cache enabled",
			"ttl", cfg.Policy.Cache.TTL(),
			"max_entries", cfg.Policy.Cache.MaxEntries,
		)
	}

	if cfg.Telemetry.Enabled {
		telemetrySink, err := telemetry.NewOTelSink(ctx, telemetry.Config{
			ServiceName:    "policy-engine",
			ServiceVersion: Version,
			Environment:    cfg.Env,
			Endpoint:       cfg.Telemetry.Endpoint,
		}, logger)
		if err != nil {
			return fmt.Errorf("build telemetry sink: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetrySink.Shutdown(shutdownCtx)
		}()
		runtimeOpts = append(runtimeOpts, service.WithTelemetry(telemetrySink))
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	rt := service.NewRuntime(engine, service.NewEventBuilder(Version), dispatcher, runtimeOpts...)

	enforcer := service.NewEnforcementService(rt)
	resolver := service.NewConstraintService(rt)

	var rules []*approval.Rule
	if cfg.Approval.RulesFile != "" {
		rules, err = approval.LoadRulesFile(cfg.Approval.RulesFile)
		if err != nil {
			return fmt.Errorf("load approval rules: %w", err)
		}
		logger.Info("approval rules loaded", "file", cfg.Approval.RulesFile, "rules", len(rules))
	}
	loc, err := time.LoadLocation(cfg.Approval.Timezone)
	if err != nil {
		return fmt.Errorf("load approval timezone: %w", err)
	}
	router := service.NewApprovalService(rt, rules, service.WithApprovalTimezone(loc))

	gov := service.NewGovernanceService(guards, governance.Thresholds{
		WarningPercent:  cfg.Governance.WarningThresholdPercent,
		CriticalPercent: cfg.Governance.CriticalThresholdPercent,
	})
	adminService := service.NewPolicyAdminService(store, sink, trail, gov, logger,
		service.WithAdminEngine(engine),
		service.WithAdminCache(cache),
		service.WithAdminSinkTimeout(cfg.RecordSink.Timeout()),
	)
	adminHandler := admin.NewHandler(adminService, admin.WithLogger(logger))

	registry := service.NewAgentRegistry(Version, dispatcher)
	healthChecker := http.NewHealthChecker(engine, cache, dispatcher, Version)

	printBanner(Version, cfg.Server.HTTPAddr, cfg.Env, engine.PolicyCount(), len(rules), cfg.RecordSink.Backend)

	server := http.NewServer(enforcer, resolver, router,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithAdminHandler(adminHandler.Routes()),
		http.WithHealthChecker(healthChecker),
		http.WithApprovalStatus(router),
		http.WithAgentRegistry(registry),
	)
	return server.Start(ctx)
}

// newLogger builds the process logger from the server config: text or JSON
// to stderr at the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Server.Level()}
	if cfg.Server.JSONLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// printBanner prints a formatted startup banner to stderr with version,
// address, environment and corpus counts.
func printBanner(version, httpAddr, env string, policyCount, ruleCount int, backend string) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
		dim   = "\033[2m"
	)

	apiURL := fmt.Sprintf("http://localhost%s/v1", httpAddr)
	if !strings.HasPrefix(httpAddr, ":") {
		apiURL = fmt.Sprintf("http://%s/v1", httpAddr)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s Policy Engine %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-16s %s\n", "Decision API:", apiURL)
	fmt.Fprintf(os.Stderr, "  %-16s %s\n", "Environment:", env)
	fmt.Fprintf(os.Stderr, "  %-16s %d active\n", "Policies:", policyCount)
	fmt.Fprintf(os.Stderr, "  %-16s %d configured\n", "Approval rules:", ruleCount)
	fmt.Fprintf(os.Stderr, "  %-16s %s\n", "Record sink:", backend)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
