// Package dispatch implements the execution entry point: decide a mode
// for the goal, enforce the token budget, route to the cheapest capable
// executor, and persist what was learned before reporting completion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"llmos/internal/agent"
	"llmos/internal/bus"
	"llmos/internal/cognitive"
	"llmos/internal/config"
	"llmos/internal/economy"
	"llmos/internal/logging"
	"llmos/internal/memory"
	"llmos/internal/orchestrate"
	"llmos/internal/project"
	"llmos/internal/strategy"
)

// Structured reason codes carried in Result.Err.
const (
	ReasonLowBattery   = "LOW_BATTERY"
	ReasonCancelled    = "CANCELLED"
	ReasonAdapterError = "ADAPTER_ERROR"
)

// Cognitive is the adapter slice the executors need.
type Cognitive interface {
	OneShot(ctx context.Context, goal string, spec *agent.Spec, proj *project.Project) (*cognitive.Outcome, error)
	Replay(ctx context.Context, trace *memory.ExecutionTrace) (*cognitive.Outcome, error)
}

// Delegator runs multi-step plans. Satisfied by *orchestrate.Orchestrator.
type Delegator interface {
	Orchestrate(ctx context.Context, goal string, proj *project.Project, maxCostUSD float64) (*orchestrate.Result, error)
}

// Budget is the economy slice the dispatcher needs.
type Budget interface {
	Check(amountUSD float64) error
	Deduct(amountUSD float64, reason string) error
	Balance() float64
}

// ToolExecutor resolves and runs crystallized tools. Satisfied by
// *tools.Registry.
type ToolExecutor interface {
	Has(name string) bool
	Execute(ctx context.Context, name, input string) (string, error)
}

// Scanner runs one crystallization pass. Satisfied by *tools.Crystallizer.
type Scanner interface {
	Scan(ctx context.Context) (int, error)
}

// Request is one dispatch call.
type Request struct {
	Goal string

	// Mode forces a route. Empty or AUTO lets the configured strategy
	// decide.
	Mode memory.Mode

	// Project names the project context. Empty means no project for
	// single calls; orchestrations auto-create one from the goal.
	Project string

	// MaxCostUSD caps this dispatch. Zero falls back to the branch's
	// configured estimate (single calls) or the orchestrator default.
	MaxCostUSD float64
}

// Result is the outcome of one dispatch.
type Result struct {
	Success bool
	Mode    memory.Mode
	CostUSD float64
	Output  string

	// Trace is the execution trace persisted or reinforced by this
	// dispatch, nil when nothing was recorded.
	Trace *memory.ExecutionTrace

	// ToolName is set when a crystallized tool served the goal.
	ToolName string

	// Orchestration detail; zero for single-call modes.
	StepsCompleted int
	TotalSteps     int
	RunID          string

	ExecutionTime time.Duration

	// Err is a structured reason code on failure, e.g. LOW_BATTERY.
	Err string
}

// Options wires a Dispatcher.
type Options struct {
	Config       *config.Config
	Bus          *bus.Bus
	Economy      Budget
	Store        *memory.TraceStore
	Matcher      strategy.Matcher
	Projects     *project.Manager
	Cognitive    Cognitive
	Tools        ToolExecutor
	Orchestrator Delegator

	// Crystallizer is scanned in the background after successful
	// dispatches when dispatcher.auto_crystallization is on.
	Crystallizer Scanner
}

// Dispatcher is the top-level execution router.
type Dispatcher struct {
	cfg          *config.Config
	bus          *bus.Bus
	economy      Budget
	store        *memory.TraceStore
	matcher      strategy.Matcher
	projects     *project.Manager
	cognitive    Cognitive
	tools        ToolExecutor
	orchestrator Delegator
	crystallizer Scanner

	scanning atomic.Bool
	wg       sync.WaitGroup
}

// New creates a dispatcher from its collaborators.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		cfg:          opts.Config,
		bus:          opts.Bus,
		economy:      opts.Economy,
		store:        opts.Store,
		matcher:      opts.Matcher,
		projects:     opts.Projects,
		cognitive:    opts.Cognitive,
		tools:        opts.Tools,
		orchestrator: opts.Orchestrator,
		crystallizer: opts.Crystallizer,
	}
}

// state carries one dispatch through its executors.
type state struct {
	id       string
	goal     string
	req      Request
	decision strategy.Decision
	started  time.Time
}

// Dispatch routes one goal. The returned Result reports structured
// execution failures (LOW_BATTERY, CANCELLED, ADAPTER_ERROR) with a nil
// error; a non-nil error means the dispatch never started.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, errors.New("dispatch requires a goal")
	}

	decision, err := d.decide(ctx, goal, req.Mode)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()[:8]
	logging.Dispatch("dispatch %s: mode=%s confidence=%.2f goal=%q",
		id, decision.Mode, decision.Confidence, goal)
	logging.DispatchDebug("dispatch %s: %s", id, decision.Reasoning)

	d.publish(bus.Event{
		Kind:  bus.TaskStarted,
		RunID: id,
		Goal:  goal,
		Mode:  string(decision.Mode),
		Payload: map[string]interface{}{
			"confidence": decision.Confidence,
			"reasoning":  decision.Reasoning,
		},
	})

	st := &state{id: id, goal: goal, req: req, decision: decision, started: started}
	res := d.execute(ctx, st)
	res.ExecutionTime = time.Since(started)

	// Executors persist their traces before returning, so completion
	// is always emitted after the learning is durable.
	done := bus.Event{
		Kind:  bus.TaskCompleted,
		RunID: id,
		Goal:  goal,
		Mode:  string(res.Mode),
		Payload: map[string]interface{}{
			"success":  res.Success,
			"cost_usd": res.CostUSD,
		},
	}
	if res.Err != "" {
		done.Payload["error"] = res.Err
	}
	d.publish(done)

	logging.Dispatch("dispatch %s: done mode=%s success=%v cost=$%.4f in %s",
		id, res.Mode, res.Success, res.CostUSD, res.ExecutionTime.Round(time.Millisecond))

	if res.Success {
		d.maybeCrystallize()
	}
	return res, nil
}

// decide resolves the execution mode. AUTO runs the configured
// strategy; explicit modes attach the best matching trace so the
// executors can replay or learn from it. A forced FOLLOWER without a
// replayable trace is downgraded along the confidence bands.
func (d *Dispatcher) decide(ctx context.Context, goal string, mode memory.Mode) (strategy.Decision, error) {
	if mode == "" || mode == memory.ModeAuto {
		strat, err := strategy.Get(d.cfg.Dispatcher.Strategy)
		if err != nil {
			return strategy.Decision{}, err
		}
		return strat.Decide(ctx, strategy.Input{
			Goal:    goal,
			Matcher: d.matcher,
			Config:  d.strategyConfig(),
		})
	}

	if !memory.ValidMode(mode) {
		return strategy.Decision{}, fmt.Errorf("invalid mode %q", mode)
	}

	trace, confidence, _ := d.matcher.FindSmart(ctx, goal)
	decision := strategy.Decision{
		Mode:       mode,
		Confidence: confidence,
		Trace:      trace,
		Reasoning:  "mode forced by caller",
	}

	if mode == memory.ModeFollower && confidence < d.cfg.Memory.FollowerThreshold {
		switch {
		case trace != nil && confidence >= d.cfg.Memory.MixedThreshold:
			decision.Mode = memory.ModeMixed
			decision.Reasoning = fmt.Sprintf("no replayable trace (confidence %.2f), downgraded to MIXED", confidence)
		default:
			decision.Mode = memory.ModeLearner
			decision.Reasoning = "no replayable trace, downgraded to LEARNER"
		}
		logging.DispatchWarn("forced FOLLOWER for %q: %s", goal, decision.Reasoning)
	}

	return decision, nil
}

func (d *Dispatcher) strategyConfig() strategy.Config {
	return strategy.Config{
		FollowerThreshold:   d.cfg.Memory.FollowerThreshold,
		MixedThreshold:      d.cfg.Memory.MixedThreshold,
		ComplexityThreshold: d.cfg.Dispatcher.ComplexityThreshold,
		AdvancedToolUse:     d.cfg.Execution.EnableAdvancedToolUse,
	}
}

func (d *Dispatcher) execute(ctx context.Context, st *state) *Result {
	switch st.decision.Mode {
	case memory.ModeCrystallized:
		return d.execCrystallized(ctx, st)
	case memory.ModeFollower:
		return d.execFollower(ctx, st)
	case memory.ModeMixed:
		return d.execMixed(ctx, st)
	case memory.ModeOrchestrator:
		return d.execOrchestrator(ctx, st)
	default:
		return d.execLearner(ctx, st)
	}
}

// admit enforces the budget gate before a paid branch. It returns a
// terminal LOW_BATTERY result when the economy refuses, nil otherwise.
// An explicit request cap is checked in full; otherwise the branch
// estimate is.
func (d *Dispatcher) admit(st *state, mode memory.Mode, estimate float64) *Result {
	required := estimate
	if st.req.MaxCostUSD > 0 {
		required = st.req.MaxCostUSD
	}

	if err := d.economy.Check(required); err != nil {
		logging.Dispatch("dispatch %s: refused, %v", st.id, err)
		d.publish(bus.Event{
			Kind:  bus.BudgetExceeded,
			RunID: st.id,
			Goal:  st.goal,
			Mode:  string(mode),
			Payload: map[string]interface{}{
				"required_usd": required,
				"balance_usd":  d.economy.Balance(),
			},
		})
		return &Result{Success: false, Mode: mode, Err: ReasonLowBattery}
	}
	return nil
}

// settle deducts what a call actually cost. Nothing is deducted when
// the backend never reported a cost, e.g. cancellation before the
// terminal result. An actual cost above the remaining balance drains
// the battery to zero so the ledger stays honest.
func (d *Dispatcher) settle(st *state, mode memory.Mode, cost float64) float64 {
	if cost <= 0 {
		return 0
	}

	reason := fmt.Sprintf("%s %s", strings.ToLower(string(mode)), memory.Signature(st.goal))
	if err := d.economy.Deduct(cost, reason); err != nil {
		logging.DispatchWarn("dispatch %s: deducting $%.4f: %v", st.id, cost, err)
		if balance := d.economy.Balance(); balance > 0 {
			if err := d.economy.Deduct(balance, reason+" (drained)"); err != nil {
				logging.DispatchWarn("dispatch %s: drain failed: %v", st.id, err)
			}
		}
	}
	return cost
}

// resolveProject maps the request's project name to a project, creating
// it on first use. Single calls without a name run projectless.
func (d *Dispatcher) resolveProject(st *state) *project.Project {
	if st.req.Project == "" || d.projects == nil {
		return nil
	}
	proj, err := d.projects.Ensure(st.req.Project, st.goal)
	if err != nil {
		logging.DispatchWarn("dispatch %s: project %q unavailable: %v", st.id, st.req.Project, err)
		return nil
	}
	return proj
}

// persistExperience makes one execution durable. A fresh signature is
// saved as-is; a known one absorbs the observation instead, so
// usage_count never moves backwards.
func (d *Dispatcher) persistExperience(trace *memory.ExecutionTrace, success bool) *memory.ExecutionTrace {
	sig := trace.GoalSignature

	if existing, err := d.store.Load(sig); err == nil && existing != nil {
		updated, err := d.store.UpdateUsage(sig, success)
		if err != nil {
			logging.DispatchWarn("usage update for %s failed: %v", sig, err)
			return existing
		}
		if trace.EstimatedCostUSD > 0 || trace.EstimatedTimeSecs > 0 {
			if refreshed, err := d.store.UpdateEstimates(sig, trace.EstimatedCostUSD, trace.EstimatedTimeSecs); err == nil {
				updated = refreshed
			}
		}
		return updated
	}

	if err := d.store.Save(trace); err != nil {
		logging.DispatchWarn("trace save for %s failed: %v", sig, err)
		return nil
	}
	return trace
}

// maybeCrystallize kicks one background crystallization scan. At most
// one scan is in flight at a time; later triggers are dropped.
func (d *Dispatcher) maybeCrystallize() {
	if d.crystallizer == nil || d.cfg == nil || !d.cfg.Dispatcher.AutoCrystallization {
		return
	}
	if !d.scanning.CompareAndSwap(false, true) {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.scanning.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.GetSDKTimeout())
		defer cancel()

		n, err := d.crystallizer.Scan(ctx)
		if err != nil {
			logging.DispatchWarn("crystallization scan: %v", err)
			return
		}
		if n > 0 {
			logging.Dispatch("crystallization scan produced %d tool(s)", n)
		}
	}()
}

// Wait blocks until background crystallization work has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) publish(evt bus.Event) {
	if d.bus != nil {
		d.bus.Publish(evt)
	}
}

// reasonFor maps an execution error to its structured reason code.
func reasonFor(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return ReasonCancelled
	case errors.Is(err, economy.ErrLowBattery):
		return ReasonLowBattery
	case err != nil:
		return ReasonAdapterError
	}
	return ""
}
