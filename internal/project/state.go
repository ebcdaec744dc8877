package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmos/internal/logging"
)

// StepStatus is the lifecycle of one plan step. Transitions only move
// forward: pending → in_progress → {completed, failed}, with
// pending → failed allowed for steps killed before they start.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

func validTransition(from, to StepStatus) bool {
	switch from {
	case StepPending:
		return to == StepInProgress || to == StepFailed
	case StepInProgress:
		return to == StepCompleted || to == StepFailed
	default:
		return false
	}
}

// Step is one unit of an orchestration plan.
type Step struct {
	Number         int        `json:"number"`
	Description    string     `json:"description"`
	AgentName      string     `json:"agent_name"`
	ExpectedOutput string     `json:"expected_output,omitempty"`
	Status         StepStatus `json:"status"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Event is one entry in a run's event log.
type Event struct {
	TS   time.Time              `json:"ts"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// ExecutionState is the full record of one orchestration run.
type ExecutionState struct {
	RunID       string             `json:"run_id"`
	Goal        string             `json:"goal"`
	Plan        []Step             `json:"plan"`
	Variables   map[string]string  `json:"variables,omitempty"`
	Events      []Event            `json:"events"`
	Constraints map[string]float64 `json:"constraints,omitempty"`
	FinalStatus string             `json:"final_status,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
}

// Summary aggregates a run's step outcomes.
type Summary struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Status    string `json:"status,omitempty"`
}

func (s Summary) String() string {
	line := fmt.Sprintf("%d/%d steps completed, %d failed", s.Completed, s.Total, s.Failed)
	if s.Status != "" {
		line += ", status: " + s.Status
	}
	return line
}

// StateManager owns one ExecutionState and persists it atomically on
// every mutation.
type StateManager struct {
	mu    sync.Mutex
	state ExecutionState
	path  string
}

// NewStateManager starts a run for the goal under the project's state
// directory. The run ID is the first 8 characters of a fresh UUID.
func NewStateManager(p *Project, goal string) (*StateManager, error) {
	runID := uuid.New().String()[:8]
	sm := &StateManager{
		state: ExecutionState{
			RunID:     runID,
			Goal:      goal,
			Plan:      []Step{},
			Events:    []Event{},
			StartedAt: time.Now().UTC(),
		},
		path: filepath.Join(p.StateDir(), runID+".json"),
	}

	sm.state.Events = append(sm.state.Events, Event{
		TS:   time.Now().UTC(),
		Type: "run_initialized",
		Data: map[string]interface{}{"goal": goal},
	})

	if err := sm.persistLocked(); err != nil {
		return nil, err
	}
	logging.State("run %s initialized for goal %q", runID, goal)
	return sm, nil
}

// RunID returns the run identifier.
func (sm *StateManager) RunID() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state.RunID
}

// SetPlan installs the plan. It may be called once per run; steps are
// reset to pending regardless of incoming status.
func (sm *StateManager) SetPlan(steps []Step) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.state.Plan) > 0 {
		return fmt.Errorf("run %s already has a plan", sm.state.RunID)
	}

	plan := make([]Step, len(steps))
	copy(plan, steps)
	for i := range plan {
		plan[i].Status = StepPending
	}
	sm.state.Plan = plan
	return sm.persistLocked()
}

// UpdateStep moves step n to a new status, recording result or error
// text. Invalid transitions leave the state untouched.
func (sm *StateManager) UpdateStep(n int, status StepStatus, result, errMsg string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	idx := -1
	for i := range sm.state.Plan {
		if sm.state.Plan[i].Number == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("run %s has no step %d", sm.state.RunID, n)
	}

	from := sm.state.Plan[idx].Status
	if !validTransition(from, status) {
		logging.StateWarn("run %s step %d: rejected transition %s -> %s", sm.state.RunID, n, from, status)
		return fmt.Errorf("step %d cannot move %s -> %s", n, from, status)
	}

	sm.state.Plan[idx].Status = status
	if result != "" {
		sm.state.Plan[idx].Result = result
	}
	if errMsg != "" {
		sm.state.Plan[idx].Error = errMsg
	}
	return sm.persistLocked()
}

// LogEvent appends a timestamped entry to the run's event log.
func (sm *StateManager) LogEvent(eventType string, data map[string]interface{}) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.state.Events = append(sm.state.Events, Event{
		TS:   time.Now().UTC(),
		Type: eventType,
		Data: data,
	})
	return sm.persistLocked()
}

// SetConstraint records a numeric constraint such as max_token_cost.
func (sm *StateManager) SetConstraint(key string, value float64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.Constraints == nil {
		sm.state.Constraints = make(map[string]float64)
	}
	sm.state.Constraints[key] = value
	return sm.persistLocked()
}

// SetVariable records a named value produced during the run.
func (sm *StateManager) SetVariable(key, value string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.Variables == nil {
		sm.state.Variables = make(map[string]string)
	}
	sm.state.Variables[key] = value
	return sm.persistLocked()
}

// SetFinalStatus records the run's terminal status line.
func (sm *StateManager) SetFinalStatus(status string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.FinalStatus = status
	return sm.persistLocked()
}

// Summary counts step outcomes.
func (sm *StateManager) Summary() Summary {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s := Summary{Total: len(sm.state.Plan), Status: sm.state.FinalStatus}
	for _, step := range sm.state.Plan {
		switch step.Status {
		case StepCompleted:
			s.Completed++
		case StepFailed:
			s.Failed++
		}
	}
	return s
}

// Snapshot returns a deep copy for observers.
func (sm *StateManager) Snapshot() ExecutionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := sm.state
	out.Plan = append([]Step(nil), sm.state.Plan...)
	out.Events = append([]Event(nil), sm.state.Events...)
	if sm.state.Variables != nil {
		out.Variables = make(map[string]string, len(sm.state.Variables))
		for k, v := range sm.state.Variables {
			out.Variables[k] = v
		}
	}
	if sm.state.Constraints != nil {
		out.Constraints = make(map[string]float64, len(sm.state.Constraints))
		for k, v := range sm.state.Constraints {
			out.Constraints[k] = v
		}
	}
	return out
}

// Path returns the state file location.
func (sm *StateManager) Path() string {
	return sm.path
}

func (sm *StateManager) persistLocked() error {
	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmp := sm.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, sm.path); err != nil {
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}
