package cognitive

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmos/internal/memory"
)

// summaryParts is how many output parts the trace summary keeps.
const summaryParts = 5

// TraceBuilder accumulates what one adapter call did: tool names in
// first-use order, output parts, error notes, and cost. Build turns the
// accumulation into an ExecutionTrace ready for the store.
//
// Hooks and the stream consumer write from different goroutines, so all
// mutation is locked.
type TraceBuilder struct {
	mu sync.Mutex

	callID    string
	goal      string
	startedAt time.Time

	tools    []string
	outputs  []string
	errNotes []string

	// totalCost is the terminal result's figure and is authoritative;
	// streamCost sums per-message increments as the fallback.
	totalCost  float64
	streamCost float64
}

// NewTraceBuilder starts accumulation for one call.
func NewTraceBuilder(goal string) *TraceBuilder {
	return &TraceBuilder{
		callID:    uuid.New().String(),
		goal:      goal,
		startedAt: time.Now(),
	}
}

// CallID identifies this call in logs.
func (b *TraceBuilder) CallID() string { return b.callID }

// Goal returns the goal text this builder accumulates for.
func (b *TraceBuilder) Goal() string { return b.goal }

// AddTool records a tool use, de-duplicated in first-use order.
func (b *TraceBuilder) AddTool(name string) {
	if name == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.tools {
		if existing == name {
			return
		}
	}
	b.tools = append(b.tools, name)
}

// AddOutput records one assistant output part.
func (b *TraceBuilder) AddOutput(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs = append(b.outputs, text)
}

// AddError records an error note.
func (b *TraceBuilder) AddError(note string) {
	if note == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errNotes = append(b.errNotes, note)
}

// AddCost accumulates a per-message cost increment.
func (b *TraceBuilder) AddCost(usd float64) {
	if usd <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamCost += usd
}

// SetTotalCost records the terminal result's total.
func (b *TraceBuilder) SetTotalCost(usd float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCost = usd
}

// CostUSD returns the terminal total when reported, otherwise the sum
// of per-message increments.
func (b *TraceBuilder) CostUSD() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.costLocked()
}

func (b *TraceBuilder) costLocked() float64 {
	if b.totalCost > 0 {
		return b.totalCost
	}
	return b.streamCost
}

// Tools returns a copy of the recorded tool names.
func (b *TraceBuilder) Tools() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tools...)
}

// Output joins all recorded output parts.
func (b *TraceBuilder) Output() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.outputs, "\n")
}

// Elapsed is the wall-clock time since the call started.
func (b *TraceBuilder) Elapsed() time.Duration {
	return time.Since(b.startedAt)
}

// Build produces the trace for this call. A clean run rates 1.0; a
// caught failure rates 0.5 so the attempt still counts as experience.
func (b *TraceBuilder) Build(mode memory.Mode, success bool) *memory.ExecutionTrace {
	b.mu.Lock()
	defer b.mu.Unlock()

	trace := memory.NewTrace(b.goal, mode)
	if success {
		trace.SuccessRating = 1.0
	} else {
		trace.SuccessRating = 0.5
	}
	trace.ToolsUsed = append([]string(nil), b.tools...)

	parts := b.outputs
	if len(parts) > summaryParts {
		parts = parts[:summaryParts]
	}
	trace.OutputSummary = strings.Join(parts, "\n")
	trace.ErrorNotes = strings.Join(b.errNotes, "; ")

	trace.EstimatedCostUSD = b.costLocked()
	trace.EstimatedTimeSecs = time.Since(b.startedAt).Seconds()
	return trace
}
