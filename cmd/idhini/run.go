package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	agentpkg "github.com/jkaninda/idhini/internal/agent"
	"github.com/jkaninda/idhini/internal/approval"
	"github.com/jkaninda/idhini/internal/budget"
	"github.com/jkaninda/idhini/internal/config"
	"github.com/jkaninda/idhini/internal/gate"
	"github.com/jkaninda/idhini/internal/gateway/cli"
	"github.com/jkaninda/idhini/internal/gateway/httpapi"
	"github.com/jkaninda/idhini/internal/llm/anthropic"
	"github.com/jkaninda/idhini/internal/observability"
	"github.com/jkaninda/idhini/internal/ratelimit"
	"github.com/jkaninda/idhini/internal/storage"
	"github.com/jkaninda/idhini/internal/tools"
	"github.com/jkaninda/idhini/internal/tools/file"
	"github.com/jkaninda/idhini/internal/tools/shell"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the interactive agent",
	Long: `Start Idhini in interactive mode. The console doubles as the approval
channel: when the agent wants to run a side-effecting tool, the prompt asks
for consent before anything executes. When a gateway is configured, remote
operators can decide pending approvals over HTTP as well.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

// sharedComponents holds the initialized subsystems. Built once by
// initShared, torn down by Cleanup.
type sharedComponents struct {
	Config   *config.Config
	Store    *config.Store
	Logger   *slog.Logger
	Obs      *observability.Observability
	Audit    *storage.AuditStore // nil = audit trail disabled
	Registry *approval.Registry
	Console  *cli.Console
	Agent    *agentpkg.Agent
	Tracker  *ratelimit.Tracker

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *sharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *sharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Resolve config path: explicit --config flag takes priority over IDHINI_CONFIG env var.
	configPath := runConfigPath
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	if cmd.Flags().Lookup("config") == nil || !cmd.Flags().Changed("config") {
		if envCfg := os.Getenv("IDHINI_CONFIG"); envCfg != "" {
			configPath = envCfg
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info("config loaded", slog.String("path", configPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP operator gateway, when configured.
	if cfg.Gateway != nil {
		gw := newHTTPGateway(cfg, sc, logger)
		go func() {
			if gwErr := gw.Start(ctx); gwErr != nil && !errors.Is(gwErr, http.ErrServerClosed) {
				logger.Error("http gateway exited", slog.String("error", gwErr.Error()))
			}
		}()
		sc.addCleanup(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if stopErr := gw.Stop(stopCtx); stopErr != nil {
				logger.Error("stopping http gateway", slog.String("error", stopErr.Error()))
			}
		})
	}

	return sc.Console.Start(ctx)
}

// initShared builds every subsystem in dependency order.
func initShared(cfg *config.Config, logger *slog.Logger) (*sharedComponents, error) {
	sc := &sharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Data directory.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Runtime config snapshot store.
	store := config.NewStore()
	store.Set(cfg.Snapshot())
	sc.Store = store

	// Observability.
	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Audit trail.
	auditStore, err := storage.Open(cfg.AuditDBPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	sc.Audit = auditStore
	sc.addCleanup(func() {
		if closeErr := auditStore.Close(); closeErr != nil {
			logger.Error("closing audit store", slog.String("error", closeErr.Error()))
		}
	})

	stopPrune, err := auditStore.StartPruner(cfg.Approval.Schedule(), cfg.Approval.Retention())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("starting audit pruner: %w", err)
	}
	sc.addCleanup(stopPrune)

	// Console first: its notifier feeds the approval registry.
	console := cli.NewConsole(logger)
	sc.Console = console

	// Approval registry and retention sweep.
	registry, err := approval.NewRegistry(console.Notifier(), auditStore, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing approval registry: %w", err)
	}
	if m := obs.MetricsOrNil(); m != nil {
		registry.WithMetrics(m)
	}
	sc.Registry = registry
	console.WithRegistry(registry)

	stopSweep, err := registry.StartSweeper(cfg.Approval.Schedule(), cfg.Approval.Retention())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("starting approval sweeper: %w", err)
	}
	sc.addCleanup(stopSweep)

	// Rate-limit capacity tracker and client-side limiter.
	tracker := ratelimit.NewTracker()
	sc.Tracker = tracker
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})

	// LLM provider.
	var opts []anthropic.Option
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Provider.BaseURL))
	}
	provider, err := anthropic.NewClient(cfg.Provider.APIKey, tracker, logger, opts...)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing llm provider: %w", err)
	}

	// Tool registry.
	toolReg := tools.NewRegistry()
	if cfg.Tools.Shell.Enabled {
		shellTimeout := 30 * time.Second
		if cfg.Tools.Shell.DefaultTimeout != "" {
			d, parseErr := time.ParseDuration(cfg.Tools.Shell.DefaultTimeout)
			if parseErr != nil {
				sc.Cleanup()
				return nil, fmt.Errorf("parsing tools.shell.default_timeout: %w", parseErr)
			}
			shellTimeout = d
		}
		toolReg.Register(shell.NewTool(shell.Config{
			DefaultTimeout: shellTimeout,
			WorkingDir:     cfg.Tools.Shell.WorkingDir,
		}, logger))
	}
	if cfg.Tools.File.Enabled {
		root := cfg.Tools.File.Root
		if root == "" {
			root = dataDir
		}
		fileTool, fileErr := file.NewTool(root)
		if fileErr != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing file tool: %w", fileErr)
		}
		toolReg.Register(fileTool)
	}
	logger.Debug("tools registered", slog.Any("tools", toolReg.List()))

	// Execution gate in front of every tool invocation.
	execGate, err := gate.NewGate(registry, store, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing execution gate: %w", err)
	}

	// Budget guard on the dispatch path.
	guard, err := budget.NewGuard(store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing budget guard: %w", err)
	}

	// Agent core.
	core, err := agentpkg.New(provider, toolReg, execGate, guard, limiter, tracker, store, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing agent: %w", err)
	}
	sc.Agent = core
	console.WithAgent(core)

	return sc, nil
}

// newHTTPGateway builds the HTTP operator API from config.
func newHTTPGateway(cfg *config.Config, sc *sharedComponents, logger *slog.Logger) *httpapi.Gateway {
	gwCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.ListenAddr,
		APIKeys:    cfg.Gateway.APIKeys,
		EnableDocs: true,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	opLimiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
	})

	gw := httpapi.NewGateway(gwCfg, sc.Registry, sc.Tracker, opLimiter, logger)
	if sc.Audit != nil {
		gw = gw.WithAuditStore(sc.Audit)
	}
	return gw
}
