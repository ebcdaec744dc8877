package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"llmos/internal/config"
	"llmos/internal/dispatch"
	"llmos/internal/kernel"
)

var (
	// Global flags
	workspace    string
	budget       float64
	model        string
	strategyName string
	maxCost      float64
	projectName  string
	verbose      bool
	timeout      time.Duration
)

// exitCode is set by commands that finish with a structured failure:
// 1 for budget exhaustion, 2 for everything else.
var exitCode int

// logger is the CLI's own structured logger; the kernel's category logs
// go to <workspace>/logs/ separately.
var logger *zap.Logger

// rootCmd dispatches a bare goal; without arguments it drops into the
// interactive session.
var rootCmd = &cobra.Command{
	Use:   "llmos [goal]",
	Short: "llmos - a cost-aware execution kernel that learns from every run",
	Long: `llmos routes each goal to the cheapest capable executor: a crystallized
tool (free), a replay of a stored execution trace (free), a guided model
call (~half price), a fresh model call, or a multi-step orchestration.

Every paid run is recorded as an execution trace. Repeating similar goals
gets cheaper over time, and traces that keep succeeding are crystallized
into locally-interpreted Go tools that cost nothing to run.

All spending draws from a session battery; when it is empty, paid modes
refuse to start.

Run without arguments to start an interactive session.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Provider keys are commonly kept in a .env next to the shell.
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return runInteractive(cmd, args)
		}
		return runGoal(cmd, args)
	},
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Initialize the workspace and print the status banner",
	Long: `Creates the workspace directory layout, writes the default llmos.yaml
when none exists, loads persisted traces, agents, and tools, and prints
the status banner. Safe to run repeatedly.`,
	RunE: runBoot,
}

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Execute a single goal and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGoal,
}

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start an interactive session",
	Long: `Reads goals from stdin and dispatches each one against a kernel that
stays alive for the whole session, so later goals reuse what earlier
ones learned. Meta commands: :status, :budget, :traces, :quit.`,
	RunE: runInteractive,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kernel status",
	RunE:  showStatus,
}

var crystallizeCmd = &cobra.Command{
	Use:   "crystallize",
	Short: "Promote well-worn traces into free tools",
	Long: `Scans trace memory for goals that have been repeated often enough with a
high enough success rating, and generates a deterministic tool for each.
Generation is a paid call per candidate; the resulting tools are free
forever after.`,
	RunE: runCrystallize,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: $LLMOS_WORKSPACE or ~/.llmos)")
	rootCmd.PersistentFlags().Float64Var(&budget, "budget", -1, "Session battery in USD (default: config)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model override")
	rootCmd.PersistentFlags().StringVar(&strategyName, "strategy", "", "Dispatch strategy: auto, cost-optimized, speed-optimized, forced-learner, forced-follower")
	rootCmd.PersistentFlags().Float64Var(&maxCost, "max-cost", 0, "Per-dispatch cost cap in USD (default: per-mode estimate)")
	rootCmd.PersistentFlags().StringVarP(&projectName, "project", "p", "", "Project to run under")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug-level logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(interactiveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(crystallizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}

// loadConfig reads <workspace>/llmos.yaml and folds the flag overrides
// on top.
func loadConfig() (*config.Config, error) {
	ws := workspace
	if ws == "" {
		ws = config.ResolveWorkspace()
	}
	cfg, err := config.LoadWorkspace(ws)
	if err != nil {
		return nil, err
	}

	if budget >= 0 {
		cfg.Kernel.BudgetUSD = budget
	}
	if model != "" {
		cfg.SDK.Model = model
	}
	if strategyName != "" {
		cfg.Dispatcher.Strategy = strategyName
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// bootKernel builds a kernel, loads its persisted state, and returns it
// with a session context that ends on SIGINT/SIGTERM or the timeout.
func bootKernel(cmd *cobra.Command) (*kernel.Kernel, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	k, err := kernel.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := k.Boot(ctx); err != nil {
		cancel()
		_ = k.Shutdown()
		return nil, nil, nil, err
	}
	return k, ctx, cancel, nil
}

func runBoot(cmd *cobra.Command, args []string) error {
	k, _, cancel, err := bootKernel(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = k.Shutdown() }()

	path := filepath.Join(k.Workspace(), config.ConfigFileName)
	if _, serr := os.Stat(path); os.IsNotExist(serr) {
		if err := k.Config.Save(path); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Printf("Wrote %s\n", path)
	}

	fmt.Printf("Workspace ready: %s\n\n", k.Workspace())
	printBanner(k.Status())
	return nil
}

func runGoal(cmd *cobra.Command, args []string) error {
	goal := strings.TrimSpace(strings.Join(args, " "))
	if goal == "" {
		return errors.New("goal must not be empty")
	}
	logger.Info("Dispatching goal", zap.String("goal", goal))

	k, ctx, cancel, err := bootKernel(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = k.Shutdown() }()

	res, err := k.Execute(ctx, dispatch.Request{
		Goal:       goal,
		Project:    projectName,
		MaxCostUSD: maxCost,
	})
	if err != nil {
		return err
	}
	logger.Debug("Dispatch finished",
		zap.String("mode", string(res.Mode)),
		zap.Bool("success", res.Success),
		zap.Float64("cost_usd", res.CostUSD))

	printResult(res)
	if !res.Success {
		if res.Err == dispatch.ReasonLowBattery {
			exitCode = 1
		} else {
			exitCode = 2
		}
	}
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	k, _, cancel, err := bootKernel(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = k.Shutdown() }()

	printBanner(k.Status())
	return nil
}

func runCrystallize(cmd *cobra.Command, args []string) error {
	k, ctx, cancel, err := bootKernel(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = k.Shutdown() }()

	n, err := k.Crystallizer.Scan(ctx)
	if err != nil {
		return err
	}
	logger.Info("Crystallization scan complete", zap.Int("tools", n))
	if n == 0 {
		fmt.Println("No traces ready to crystallize.")
		return nil
	}
	fmt.Printf("Crystallized %d tool(s) into %s\n", n, filepath.Join(k.Workspace(), "memories", "tools"))
	return nil
}

// printResult reports one dispatch outcome.
func printResult(res *dispatch.Result) {
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	fmt.Println(strings.Repeat("─", 60))
	if res.Success {
		fmt.Printf("✓ %s", res.Mode)
	} else {
		fmt.Printf("✗ %s [%s]", res.Mode, res.Err)
	}
	if res.ToolName != "" {
		fmt.Printf("  tool=%s", res.ToolName)
	}
	if res.TotalSteps > 0 {
		fmt.Printf("  steps=%d/%d", res.StepsCompleted, res.TotalSteps)
	}
	fmt.Printf("  cost=$%.4f  %s\n", res.CostUSD, res.ExecutionTime.Round(time.Millisecond))
}

// printBanner renders a kernel status snapshot.
func printBanner(st kernel.Status) {
	fmt.Printf("%s Kernel Status\n", st.Name)
	fmt.Println("===================")
	fmt.Printf("Workspace: %s\n", st.Workspace)
	fmt.Printf("Provider:  %s (%s)\n", st.Provider, st.Model)
	if st.BackendReady {
		fmt.Println("✓ Cognitive backend configured")
	} else {
		fmt.Println("✗ Cognitive backend not configured (set ANTHROPIC_API_KEY)")
	}
	if st.WatcherActive {
		fmt.Println("✓ Tool watcher running")
	}
	fmt.Println()
	fmt.Printf("Battery:   $%.2f of $%.2f (spent $%.2f)\n", st.BalanceUSD, st.InitialUSD, st.SpentUSD)
	fmt.Printf("Traces:    %d (%d high confidence, avg success %.2f)\n",
		st.Traces.Total, st.Traces.HighConfidenceCount, st.Traces.AvgSuccess)
	fmt.Printf("Knowledge: %d fact(s), %d insight(s)\n", st.Traces.FactsCount, st.Traces.InsightsCount)
	fmt.Printf("Agents:    %d\n", st.Agents)
	fmt.Printf("Tools:     %d\n", st.Tools)
	fmt.Printf("Projects:  %d\n", st.Projects)
}
