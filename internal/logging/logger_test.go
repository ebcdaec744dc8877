package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetState() {
	CloseAll()
	stateMu.Lock()
	logsDir = ""
	enabled = false
	logLevel = LevelInfo
	stateMu.Unlock()
}

// TestAllCategoriesLog verifies every category creates a log file with content.
func TestAllCategoriesLog(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Level: "debug", Enabled: true}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	categories := []Category{
		CategoryKernel,
		CategoryDispatch,
		CategoryMemory,
		CategoryEconomy,
		CategoryOrchestrator,
		CategoryAgent,
		CategoryAdapter,
		CategoryTools,
		CategoryEvents,
		CategoryState,
	}

	for _, cat := range categories {
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	// Convenience functions too.
	Kernel("Convenience kernel log")
	Dispatch("Convenience dispatch log")
	Memory("Convenience memory log")
	Economy("Convenience economy log")
	Orchestrator("Convenience orchestrator log")
	Agent("Convenience agent log")
	Adapter("Convenience adapter log")
	Tools("Convenience tools log")
	Events("Convenience events log")
	State("Convenience state log")

	CloseAll()

	logsPath := filepath.Join(tempDir, "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDisabledLogging verifies nothing is written when logging is disabled.
func TestDisabledLogging(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_disabled")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Level: "debug", Enabled: false}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Kernel("This should NOT be logged")
	Dispatch("This should NOT be logged")

	logger := Get(CategoryMemory)
	logger.Info("This should NOT be logged")
	logger.Debug("This should NOT be logged")
	logger.Error("This should NOT be logged")

	CloseAll()

	logsPath := filepath.Join(tempDir, "logs")
	if _, err := os.Stat(logsPath); err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("Expected no log files when disabled, found %d", len(entries))
		}
	}
}

// TestLevelFiltering verifies messages below the configured level are dropped.
func TestLevelFiltering(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_level")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Level: "warn", Enabled: true}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	logger := Get(CategoryDispatch)
	logger.Debug("dropped debug")
	logger.Info("dropped info")
	logger.Warn("kept warn")
	logger.Error("kept error")

	CloseAll()

	logsPath := filepath.Join(tempDir, "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	var content []byte
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "dispatch.log") {
			content, err = os.ReadFile(filepath.Join(logsPath, entry.Name()))
			if err != nil {
				t.Fatalf("Failed to read dispatch log: %v", err)
			}
		}
	}

	text := string(content)
	if strings.Contains(text, "dropped debug") || strings.Contains(text, "dropped info") {
		t.Error("Messages below warn level should have been dropped")
	}
	if !strings.Contains(text, "kept warn") {
		t.Error("Warn message missing from log")
	}
	if !strings.Contains(text, "kept error") {
		t.Error("Error message missing from log")
	}
}

// TestUninitializedNoOp verifies logging before Initialize is a silent no-op.
func TestUninitializedNoOp(t *testing.T) {
	resetState()

	// None of these should panic or create files.
	Kernel("no-op")
	Get(CategoryEconomy).Error("no-op")
	timer := StartTimer(CategoryKernel, "noop-op")
	timer.Stop()
}

// TestTimer verifies the timing helper records a duration.
func TestTimer(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_timer")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	resetState()
	if err := Initialize(tempDir, Options{Level: "debug", Enabled: true}); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	timer := StartTimer(CategoryKernel, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("Timer should have recorded non-zero duration")
	}

	CloseAll()
}
