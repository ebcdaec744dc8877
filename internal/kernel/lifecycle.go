package kernel

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"llmos/internal/dispatch"
	"llmos/internal/logging"
	"llmos/internal/memory"
	"llmos/internal/tools"
)

// Boot loads persisted state: crystallized tools, agent specs, and the
// trace memory statistics line. It then starts the tool watcher bound
// to ctx, so tool edits hot-load until the context ends. Boot may be
// called again to reload from disk.
func (k *Kernel) Boot(ctx context.Context) error {
	var g errgroup.Group

	g.Go(func() error {
		stats := k.Query.Statistics()
		logging.Kernel("trace memory: %d trace(s), %d high confidence, avg success %.2f",
			stats.Total, stats.HighConfidenceCount, stats.AvgSuccess)
		return nil
	})
	g.Go(func() error {
		n, err := k.Tools.LoadDir(tools.Dir(k.workspace))
		if err != nil {
			return fmt.Errorf("loading tools: %w", err)
		}
		logging.Kernel("loaded %d crystallized tool(s)", n)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Crystallized tool names join the allowed universe before agent
	// specs are validated against it.
	k.factory.Allow(k.Tools.Names()...)

	n, err := k.Agents.LoadDir(k.factory, k.AgentsDir())
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}
	logging.Kernel("loaded %d agent spec(s), %d registered", n, k.Agents.Count())

	if k.Watcher != nil {
		if err := k.Watcher.Start(ctx); err != nil {
			logging.KernelWarn("tool watcher not started: %v", err)
		}
	}
	return nil
}

// Execute dispatches one goal through the configured strategy.
func (k *Kernel) Execute(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	return k.Dispatcher.Dispatch(ctx, req)
}

// Status is a point-in-time snapshot of the kernel, consumed by the
// status banner and the interactive :status command.
type Status struct {
	Name         string
	Workspace    string
	Provider     string
	Model        string
	BackendReady bool

	BalanceUSD float64
	InitialUSD float64
	SpentUSD   float64

	Traces        memory.Statistics
	Agents        int
	Tools         int
	Projects      int
	WatcherActive bool
}

// Status reports the current kernel state.
func (k *Kernel) Status() Status {
	return Status{
		Name:          k.Config.Kernel.Name,
		Workspace:     k.workspace,
		Provider:      k.Config.SDK.Provider,
		Model:         k.Config.SDK.Model,
		BackendReady:  k.backendReady,
		BalanceUSD:    k.Economy.Balance(),
		InitialUSD:    k.Economy.Initial(),
		SpentUSD:      k.Economy.Spent(),
		Traces:        k.Query.Statistics(),
		Agents:        k.Agents.Count(),
		Tools:         k.Tools.Count(),
		Projects:      len(k.Projects.List()),
		WatcherActive: k.Watcher != nil && k.Watcher.IsWatching(),
	}
}

// Shutdown releases everything New acquired: it waits for background
// crystallization scans, stops the watcher, and closes the knowledge
// store, the bus, and the log files. Safe to call more than once.
func (k *Kernel) Shutdown() error {
	if k == nil {
		return nil
	}

	var errs []error

	if k.Dispatcher != nil {
		k.Dispatcher.Wait()
	}
	if k.Watcher != nil {
		k.Watcher.Stop()
		k.Watcher = nil
	}
	if k.Knowledge != nil {
		if err := k.Knowledge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing knowledge store: %w", err))
		}
		k.Knowledge = nil
	}
	if k.Bus != nil {
		k.Bus.Close()
		k.Bus = nil
	}

	logging.Kernel("shutdown complete")
	logging.CloseAll()
	return errors.Join(errs...)
}
