// Package kernel boots and owns one llmos instance. It is the
// motherboard that wires config, logging, the event bus, the token
// economy, trace memory, agent and tool registries, the cognitive
// adapter, the orchestrator, and the dispatcher, and manages their
// lifecycle from New to Shutdown.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"llmos/internal/agent"
	"llmos/internal/bus"
	"llmos/internal/cognitive"
	"llmos/internal/config"
	"llmos/internal/dispatch"
	"llmos/internal/economy"
	"llmos/internal/logging"
	"llmos/internal/memory"
	"llmos/internal/orchestrate"
	"llmos/internal/project"
	"llmos/internal/tools"
)

// Kernel is a fully wired llmos instance. Components are exported so
// the CLI and tests can reach them directly; most callers only need
// Execute.
type Kernel struct {
	Config    *config.Config
	Bus       *bus.Bus
	Economy   *economy.Economy
	Traces    *memory.TraceStore
	Knowledge *memory.KnowledgeStore
	Matcher   *memory.TraceMatcher
	Query     *memory.Query
	Agents    *agent.Registry
	Tools     *tools.Registry
	Projects  *project.Manager

	Adapter      *cognitive.Adapter
	Orchestrator *orchestrate.Orchestrator
	Dispatcher   *dispatch.Dispatcher
	Crystallizer *tools.Crystallizer

	// Watcher hot-loads tool files; nil when fsnotify is unavailable.
	Watcher *tools.Watcher

	workspace    string
	factory      *agent.Factory
	backendReady bool
}

// Options carries overrides for NewWithOptions. The zero value wires
// everything from the config.
type Options struct {
	// Backend replaces the provider-backed cognitive backend. Tests use
	// it to drive the full stack without credentials.
	Backend cognitive.Backend
}

// New boots a kernel from the config.
func New(cfg *config.Config) (*Kernel, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions boots a kernel with explicit overrides. Core
// components (economy, trace store, projects) are fatal when they fail;
// optional ones (knowledge store, embeddings, backend credentials, the
// tool watcher) degrade with a warning so budget-free paths keep
// working.
func NewWithOptions(cfg *config.Config, opts Options) (*Kernel, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.Workspace == "" {
		cfg.Workspace = config.ResolveWorkspace()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ws := cfg.Workspace

	if err := ensureLayout(ws); err != nil {
		return nil, err
	}
	if err := logging.Initialize(ws, logging.Options{
		Level:   cfg.Logging.Level,
		Enabled: cfg.Logging.Enabled,
	}); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	logging.Kernel("booting %s: workspace=%s budget=$%.2f", cfg.Kernel.Name, ws, cfg.Kernel.BudgetUSD)

	eco, err := economy.New(ws, cfg.Kernel.BudgetUSD)
	if err != nil {
		return nil, fmt.Errorf("economy: %w", err)
	}
	traces, err := memory.NewTraceStore(ws)
	if err != nil {
		return nil, fmt.Errorf("trace store: %w", err)
	}
	projects, err := project.NewManager(ws)
	if err != nil {
		return nil, fmt.Errorf("project manager: %w", err)
	}

	knowledge, err := memory.OpenKnowledge(ws)
	if err != nil {
		logging.KernelWarn("knowledge store unavailable: %v", err)
		knowledge = nil
	}
	query := memory.NewQuery(traces, knowledge)

	registry := tools.NewRegistry(tools.NewRunner(0))

	backendReady := true
	backend := opts.Backend
	if backend == nil {
		backend, err = cognitive.NewBackend(cfg)
		if err != nil {
			logging.KernelWarn("cognitive backend unavailable, paid modes will fail: %v", err)
			backend = unconfiguredBackend{cause: err}
			backendReady = false
		}
	}

	adapter := cognitive.New(cognitive.Options{
		Backend:      backend,
		Economy:      eco,
		Memory:       query,
		Runner:       registry,
		WorkRoot:     ws,
		DenyPatterns: cfg.Execution.SecurityDenyPatterns,
	})

	matcher := memory.NewTraceMatcher(traces, memory.MatcherConfig{
		FollowerThreshold: cfg.Memory.FollowerThreshold,
		MixedThreshold:    cfg.Memory.MixedThreshold,
		MinConfidence:     cfg.Memory.MinConfidence,
		AllowCrystallized: cfg.Execution.EnableAdvancedToolUse,
	})
	if cfg.Memory.EnableLLMMatching {
		if backendReady {
			matcher.UseClassifier(adapter)
		} else {
			logging.KernelWarn("llm matching requested but no backend is configured")
		}
	}
	if cfg.Memory.EnableEmbeddings {
		engine, eerr := memory.NewGenAIEngine(os.Getenv("GEMINI_API_KEY"), cfg.Memory.EmbeddingModel)
		if eerr != nil {
			logging.KernelWarn("embeddings unavailable: %v", eerr)
		} else {
			matcher.UseEmbedder(engine, knowledge)
		}
	}

	b := bus.New()
	agents := agent.NewRegistry()
	factory := agent.NewFactory(nil)

	orchestrator := orchestrate.New(orchestrate.Options{
		Bus:         b,
		Projects:    projects,
		Agents:      agents,
		Query:       query,
		Knowledge:   knowledge,
		Cognitive:   adapter,
		StepTimeout: cfg.GetSDKTimeout(),
	})

	crystallizer := tools.NewCrystallizer(tools.CrystallizerOptions{
		Query:        query,
		Store:        traces,
		Registry:     registry,
		Codegen:      adapter,
		Budget:       eco,
		Workspace:    ws,
		MinUsage:     cfg.Dispatcher.CrystallizationMinUsage,
		MinSuccess:   cfg.Dispatcher.CrystallizationMinSuccess,
		CostEstimate: cfg.Dispatcher.LearnerCostEstimate,
	})

	watcher, err := tools.NewWatcher(ws, registry)
	if err != nil {
		logging.KernelWarn("tool watcher unavailable: %v", err)
		watcher = nil
	}

	dispatcher := dispatch.New(dispatch.Options{
		Config:       cfg,
		Bus:          b,
		Economy:      eco,
		Store:        traces,
		Matcher:      matcher,
		Projects:     projects,
		Cognitive:    adapter,
		Tools:        registry,
		Orchestrator: orchestrator,
		Crystallizer: crystallizer,
	})

	return &Kernel{
		Config:       cfg,
		Bus:          b,
		Economy:      eco,
		Traces:       traces,
		Knowledge:    knowledge,
		Matcher:      matcher,
		Query:        query,
		Agents:       agents,
		Tools:        registry,
		Projects:     projects,
		Adapter:      adapter,
		Orchestrator: orchestrator,
		Dispatcher:   dispatcher,
		Crystallizer: crystallizer,
		Watcher:      watcher,
		workspace:    ws,
		factory:      factory,
		backendReady: backendReady,
	}, nil
}

// Workspace returns the workspace root.
func (k *Kernel) Workspace() string { return k.workspace }

// AgentsDir returns the directory agent spec files load from.
func (k *Kernel) AgentsDir() string { return filepath.Join(k.workspace, "agents") }

// ensureLayout creates the workspace directory tree. Idempotent; an
// existing workspace is left as is.
func ensureLayout(workspace string) error {
	for _, dir := range []string{
		filepath.Join(workspace, "memories", "traces"),
		filepath.Join(workspace, "memories", "tools"),
		filepath.Join(workspace, "agents"),
		filepath.Join(workspace, "projects"),
		filepath.Join(workspace, "logs"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating workspace layout: %w", err)
		}
	}
	return nil
}

// unconfiguredBackend stands in when no provider credentials are
// available. Free paths (replay, crystallized tools, status) keep
// working; paid calls fail with the configuration error.
type unconfiguredBackend struct {
	cause error
}

func (u unconfiguredBackend) Name() string { return "unconfigured" }

func (u unconfiguredBackend) Query(ctx context.Context, prompt string, opts cognitive.QueryOptions) (*cognitive.Stream, error) {
	return nil, fmt.Errorf("%w: no cognitive backend: %v", cognitive.ErrBackend, u.cause)
}
