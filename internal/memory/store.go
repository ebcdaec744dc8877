package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"llmos/internal/logging"
)

// TraceStore persists one JSON file per trace under
// <workspace>/memories/traces/, keyed by goal signature.
type TraceStore struct {
	mu  sync.RWMutex
	dir string
}

// NewTraceStore creates the trace directory if needed.
func NewTraceStore(workspace string) (*TraceStore, error) {
	dir := filepath.Join(workspace, "memories", "traces")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	return &TraceStore{dir: dir}, nil
}

// Dir returns the trace directory path.
func (s *TraceStore) Dir() string {
	return s.dir
}

func (s *TraceStore) path(signature string) string {
	return filepath.Join(s.dir, signature+".json")
}

// Save validates and persists a trace, overwriting any existing file
// for the same signature. The write is atomic (temp file + rename).
func (s *TraceStore) Save(trace *ExecutionTrace) error {
	if err := trace.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid trace: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(trace); err != nil {
		return err
	}

	logging.Memory("saved trace %s (usage=%d success=%.2f mode=%s)",
		trace.GoalSignature, trace.UsageCount, trace.SuccessRating, trace.Mode)
	return nil
}

// writeLocked marshals and atomically writes a trace. Callers hold s.mu.
func (s *TraceStore) writeLocked(trace *ExecutionTrace) error {
	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	path := s.path(trace.GoalSignature)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit trace: %w", err)
	}
	return nil
}

// Load reads the trace for a signature. Returns ErrNoTrace when absent
// and ErrCorruptTrace (wrapped) when the file cannot be parsed.
func (s *TraceStore) Load(signature string) (*ExecutionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(signature)
}

func (s *TraceStore) loadLocked(signature string) (*ExecutionTrace, error) {
	data, err := os.ReadFile(s.path(signature))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoTrace, signature)
		}
		return nil, fmt.Errorf("failed to read trace %s: %w", signature, err)
	}

	var trace ExecutionTrace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptTrace, signature, err)
	}
	if err := trace.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptTrace, signature, err)
	}
	return &trace, nil
}

// All returns every parseable trace, sorted by last_used_at descending.
// Corrupt files are skipped with a logged warning and never stop
// iteration.
func (s *TraceStore) All() []*ExecutionTrace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logging.MemoryWarn("failed to read trace directory: %v", err)
		return nil
	}

	traces := make([]*ExecutionTrace, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		signature := strings.TrimSuffix(name, ".json")
		trace, err := s.loadLocked(signature)
		if err != nil {
			logging.MemoryWarn("skipping trace %s: %v", signature, err)
			continue
		}
		traces = append(traces, trace)
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].LastUsedAt.After(traces[j].LastUsedAt)
	})
	return traces
}

// Count returns the number of parseable traces.
func (s *TraceStore) Count() int {
	return len(s.All())
}

// UpdateUsage increments usage_count, refreshes last_used_at, and folds
// the success observation into the rating (EMA, weight 0.2). Returns
// the updated trace.
func (s *TraceStore) UpdateUsage(signature string, success bool) (*ExecutionTrace, error) {
	return s.mutate(signature, func(t *ExecutionTrace) {
		t.UsageCount++
		t.LastUsedAt = time.Now().UTC()
		t.RecordSuccess(success)
	})
}

// Touch increments usage_count and refreshes last_used_at without
// touching the rating. Used when a reuse produced no new evidence,
// e.g. replaying a trace with no recorded tools.
func (s *TraceStore) Touch(signature string) (*ExecutionTrace, error) {
	return s.mutate(signature, func(t *ExecutionTrace) {
		t.UsageCount++
		t.LastUsedAt = time.Now().UTC()
	})
}

// UpdateEstimates folds observed cost and duration into the stored
// estimates (EMA, weight 0.2). Negative observations are ignored.
func (s *TraceStore) UpdateEstimates(signature string, costUSD, timeSecs float64) (*ExecutionTrace, error) {
	return s.mutate(signature, func(t *ExecutionTrace) {
		if costUSD >= 0 {
			t.EstimatedCostUSD = (1-emaWeight)*t.EstimatedCostUSD + emaWeight*costUSD
		}
		if timeSecs >= 0 {
			t.EstimatedTimeSecs = (1-emaWeight)*t.EstimatedTimeSecs + emaWeight*timeSecs
		}
	})
}

// SetCrystallized marks the trace as crystallized into the named tool.
func (s *TraceStore) SetCrystallized(signature, toolName string) (*ExecutionTrace, error) {
	return s.mutate(signature, func(t *ExecutionTrace) {
		t.CrystallizedIntoTool = toolName
	})
}

// Delete removes a trace file. Missing traces return ErrNoTrace.
func (s *TraceStore) Delete(signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(signature)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoTrace, signature)
		}
		return fmt.Errorf("deleting trace %s: %w", signature, err)
	}
	logging.Memory("trace deleted signature=%s", signature)
	return nil
}

// mutate loads, applies fn, and saves atomically under the write lock.
func (s *TraceStore) mutate(signature string, fn func(*ExecutionTrace)) (*ExecutionTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace, err := s.loadLocked(signature)
	if err != nil {
		return nil, err
	}
	fn(trace)

	if err := s.writeLocked(trace); err != nil {
		return nil, err
	}
	return trace, nil
}
