package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jarvislabs/jarvis/internal/agent"
	"github.com/jarvislabs/jarvis/internal/audit"
	"github.com/jarvislabs/jarvis/internal/bus"
	"github.com/jarvislabs/jarvis/internal/config"
	"github.com/jarvislabs/jarvis/internal/hooks"
	"github.com/jarvislabs/jarvis/internal/knowledge"
	"github.com/jarvislabs/jarvis/internal/kv"
	"github.com/jarvislabs/jarvis/internal/observability"
	"github.com/jarvislabs/jarvis/internal/plugin"
	"github.com/jarvislabs/jarvis/internal/providers"
	"github.com/jarvislabs/jarvis/internal/ratelimit"
	"github.com/jarvislabs/jarvis/internal/security"
	"github.com/jarvislabs/jarvis/internal/skills"
	"github.com/jarvislabs/jarvis/internal/storage"
	"github.com/jarvislabs/jarvis/internal/tools"
	"github.com/jarvislabs/jarvis/pkg/models"
)

func buildAgentCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		agentRole  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one agent runtime",
		Long: `Run a single agent: announce on discovery, heartbeat, consume task
assignments and direct messages, and execute tasks with the configured
LLM providers and tools. The agent id and role come from the config
file, the environment, or the flags here (flags win).`,
		Example: `  jarvis agent --id agent-dev --role dev
  jarvis agent --config /etc/jarvis/jarvis.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), resolveConfigPath(configPath), agentID, agentRole, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&agentID, "id", "", "Agent id (overrides config)")
	cmd.Flags().StringVar(&agentRole, "role", "", "Agent role: orchestrator, dev or marketing (overrides config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runAgent(ctx context.Context, configPath, agentID, agentRole string, debug bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if agentID != "" {
		cfg.Agent.ID = agentID
	}
	if agentRole != "" {
		cfg.Agent.Role = models.AgentRole(agentRole)
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	observability.SetupLogging(level, cfg.Logging.Format)

	slog.Info("starting jarvis agent",
		"version", version,
		"agent", cfg.Agent.ID,
		"role", cfg.Agent.Role,
		"model", cfg.Agent.Model,
	)

	layout, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if logsDir, err := layout.LogsDir(); err == nil {
		auditLog, err := audit.New(audit.Config{Dir: logsDir})
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		audit.SetDefault(auditLog)
		defer auditLog.Close()
	}

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "jarvis-agent",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SampleRate,
		Insecure:       cfg.Observability.Insecure,
	})
	defer shutdownTracer(context.Background())

	b, err := bus.Connect(cfg.Bus.URL, "jarvis-agent-"+bus.SanitizeToken(cfg.Agent.ID))
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	store, err := kv.Open(ctx, cfg.KV.URL)
	if err != nil {
		return fmt.Errorf("connect kv: %w", err)
	}
	defer store.Close()

	registry, err := buildProviderRegistry(ctx, cfg, store, metrics)
	if err != nil {
		return err
	}
	registry.SetTracer(tracer)

	toolReg, knowledgeStore, err := buildToolRegistry(cfg, b, store, layout, metrics)
	if err != nil {
		return err
	}
	toolReg.SetTracer(tracer)
	if knowledgeStore != nil {
		defer knowledgeStore.Close()
	}

	skillsDir, err := layout.SkillsDir()
	if err != nil {
		return fmt.Errorf("skills dir: %w", err)
	}
	skillMgr := skills.NewManager(skillsDir)
	if err := skillMgr.Load(); err != nil {
		slog.Warn("loading skills failed", "error", err)
	}
	defer skillMgr.Close()

	hookRunner := hooks.NewRunner()
	pluginHost := plugin.NewHost(toolReg, hookRunner)

	runtime, err := agent.New(cfg.Agent, agent.Deps{
		Bus:       b,
		KV:        store,
		Layout:    layout,
		Providers: registry,
		Tools:     toolReg,
		Hooks:     hookRunner,
		Plugins:   pluginHost,
		Skills:    skillMgr,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		return fmt.Errorf("assemble agent: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := skillMgr.StartWatching(ctx); err != nil {
		slog.Warn("skills watcher unavailable", "error", err)
	}
	if err := pluginHost.StartServices(ctx); err != nil {
		return fmt.Errorf("start plugin services: %w", err)
	}
	defer pluginHost.StopServices()

	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := runtime.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop agent: %w", err)
	}
	slog.Info("agent stopped")
	return nil
}

// buildProviderRegistry registers every configured LLM provider. Provider
// ids in the config map pick the adapter.
func buildProviderRegistry(ctx context.Context, cfg *config.Config, store kv.Store, metrics *observability.Metrics) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	registry.SetMetrics(metrics)
	if cfg.LLM.CacheEnabled {
		registry.SetCache(providers.NewResponseCache(store, cfg.LLM.CacheTTL))
	}

	for id, pc := range cfg.LLM.Providers {
		var (
			p   providers.Provider
			err error
		)
		switch id {
		case "anthropic":
			p = providers.NewAnthropic(pc.APIKey, pc.BaseURL)
		case "openai":
			p = providers.NewOpenAI(pc.APIKey, pc.BaseURL)
		case "openrouter":
			p = providers.NewOpenRouter(pc.APIKey)
		case "ollama":
			p = providers.NewOllama(pc.BaseURL)
		case "google":
			p, err = providers.NewGoogle(pc.APIKey)
		default:
			return nil, fmt.Errorf("unknown llm provider %q", id)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		registry.Register(ctx, p)
	}
	return registry, nil
}

// buildToolRegistry assembles the agent's tool surface: builtins, memory
// tools backed by the knowledge store, coordination tools, and any route
// overrides from the config.
func buildToolRegistry(cfg *config.Config, b bus.Bus, store kv.Store, layout *storage.Layout,
	metrics *observability.Metrics) (*tools.Registry, *knowledge.Store, error) {

	workspace := cfg.Agent.Workspace
	if workspace == "" {
		dir, err := layout.WorkspaceDir()
		if err != nil {
			return nil, nil, fmt.Errorf("workspace dir: %w", err)
		}
		workspace = dir
	}
	guard, err := security.NewPathGuard(workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("path guard: %w", err)
	}

	reg := tools.NewRegistry()
	reg.SetBus(b)
	reg.SetMetrics(metrics)
	if cfg.Tools.RatePerMin > 0 {
		reg.SetLimiter(ratelimit.New(cfg.Tools.RatePerMin))
	}

	files := tools.NewFileTools(guard, workspace)
	builtins := []tools.Descriptor{
		tools.Calculate(),
		tools.HTTPFetch(),
		files.ReadFile(),
		files.WriteFile(),
		files.EditFile(),
		files.ListDir(),
		tools.ShellExec(cfg.Tools.ShellAllow, guard, workspace),
		tools.TaskProgress(b, cfg.Agent.ID),
		agent.MessageAgent(b, cfg.Agent.ID),
		agent.CheckDelegatedTask(b),
	}

	var knowledgeStore *knowledge.Store
	if dbPath, err := layout.KnowledgeDB(); err == nil {
		knowledgeStore, err = knowledge.Open(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open knowledge store: %w", err)
		}
		builtins = append(builtins,
			knowledge.MemoryStore(knowledgeStore, cfg.Agent.ID),
			knowledge.MemorySearch(knowledgeStore),
		)
	}

	for _, d := range builtins {
		if err := reg.Register(d); err != nil {
			return nil, knowledgeStore, fmt.Errorf("register tool: %w", err)
		}
	}
	for tool, target := range cfg.Tools.Routes {
		reg.SetRoute(tool, target)
	}
	return reg, knowledgeStore, nil
}
