// Package memory implements the learning memory: execution traces, the
// trace store, similarity matching, and the knowledge base.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Mode is an execution mode. Traces record the mode that produced them;
// the dispatcher routes by it.
type Mode string

const (
	ModeAuto         Mode = "AUTO"
	ModeCrystallized Mode = "CRYSTALLIZED"
	ModeFollower     Mode = "FOLLOWER"
	ModeMixed        Mode = "MIXED"
	ModeLearner      Mode = "LEARNER"
	ModeOrchestrator Mode = "ORCHESTRATOR"
)

// ValidMode reports whether m is a known execution mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeAuto, ModeCrystallized, ModeFollower, ModeMixed, ModeLearner, ModeOrchestrator:
		return true
	}
	return false
}

var (
	// ErrNoTrace is returned when no trace exists for a signature or goal.
	ErrNoTrace = errors.New("NO_TRACE")
	// ErrCorruptTrace is returned when a trace file cannot be parsed.
	ErrCorruptTrace = errors.New("CORRUPT_TRACE")
)

// emaWeight is the weight of a new observation when updating
// success_rating and the cost/time estimates.
const emaWeight = 0.2

var signaturePattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Normalize lowercases the goal text and collapses runs of whitespace,
// so trivially reworded goals share a signature.
func Normalize(goal string) string {
	return strings.Join(strings.Fields(strings.ToLower(goal)), " ")
}

// Signature derives the stable short identifier for a goal: the first
// 16 hex characters of the SHA-256 of the normalized text.
func Signature(goal string) string {
	sum := sha256.Sum256([]byte(Normalize(goal)))
	return hex.EncodeToString(sum[:])[:16]
}

// ExecutionTrace is the persisted record of one execution worth
// remembering. One file per trace, keyed by GoalSignature.
type ExecutionTrace struct {
	GoalSignature string    `json:"goal_signature"`
	GoalText      string    `json:"goal_text"`
	SuccessRating float64   `json:"success_rating"`
	UsageCount    int       `json:"usage_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsedAt    time.Time `json:"last_used_at"`

	EstimatedCostUSD  float64 `json:"estimated_cost_usd"`
	EstimatedTimeSecs float64 `json:"estimated_time_secs"`

	Mode      Mode     `json:"mode"`
	ToolsUsed []string `json:"tools_used"`

	OutputSummary        string `json:"output_summary"`
	ErrorNotes           string `json:"error_notes,omitempty"`
	CrystallizedIntoTool string `json:"crystallized_into_tool,omitempty"`
}

// NewTrace creates a fresh trace for the goal with usage_count 1 and
// both timestamps set to now. The caller fills in the outcome fields.
func NewTrace(goal string, mode Mode) *ExecutionTrace {
	now := time.Now().UTC()
	return &ExecutionTrace{
		GoalSignature: Signature(goal),
		GoalText:      goal,
		UsageCount:    1,
		CreatedAt:     now,
		LastUsedAt:    now,
		Mode:          mode,
	}
}

// Validate checks the structural invariants of a trace.
func (t *ExecutionTrace) Validate() error {
	if !signaturePattern.MatchString(t.GoalSignature) {
		return fmt.Errorf("invalid goal_signature %q", t.GoalSignature)
	}
	if t.GoalText == "" {
		return errors.New("empty goal_text")
	}
	if t.SuccessRating < 0 || t.SuccessRating > 1 {
		return fmt.Errorf("success_rating out of range [0,1]: %f", t.SuccessRating)
	}
	if t.UsageCount < 1 {
		return fmt.Errorf("usage_count must be at least 1: %d", t.UsageCount)
	}
	if t.CreatedAt.IsZero() || t.LastUsedAt.IsZero() {
		return errors.New("timestamps must be set")
	}
	if !ValidMode(t.Mode) || t.Mode == ModeAuto {
		return fmt.Errorf("invalid mode %q", t.Mode)
	}
	return nil
}

// RecordSuccess folds a success/failure observation into the rating
// using an exponential moving average.
func (t *ExecutionTrace) RecordSuccess(success bool) {
	obs := 0.0
	if success {
		obs = 1.0
	}
	t.SuccessRating = (1-emaWeight)*t.SuccessRating + emaWeight*obs
}

// AddTool appends a tool name, keeping the list ordered and de-duplicated.
func (t *ExecutionTrace) AddTool(name string) {
	for _, existing := range t.ToolsUsed {
		if existing == name {
			return
		}
	}
	t.ToolsUsed = append(t.ToolsUsed, name)
}
