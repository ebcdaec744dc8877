// Package logging provides categorized file-based logging for llmos.
// Logs are written to <workspace>/logs/ with one file per category.
// Before Initialize is called every logger is a silent no-op, so library
// code can log unconditionally.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryKernel       Category = "kernel"       // Boot, wiring, shutdown
	CategoryDispatch     Category = "dispatch"     // Mode decisions, routing
	CategoryMemory       Category = "memory"       // Trace store, matcher, queries
	CategoryEconomy      Category = "economy"      // Budget checks, deductions
	CategoryOrchestrator Category = "orchestrator" // Plans, step execution
	CategoryAgent        Category = "agent"        // Agent registry and specs
	CategoryAdapter      Category = "adapter"      // Cognitive backend calls
	CategoryTools        Category = "tools"        // Crystallized tool execution
	CategoryEvents       Category = "events"       // Event bus activity
	CategoryState        Category = "state"        // Execution state persistence
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logging behavior, resolved by the caller from its config.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Enabled toggles file logging entirely. Disabled is a silent no-op.
	Enabled bool
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	enabled   bool
	logLevel  = LevelInfo
	stateMu   sync.RWMutex
)

// Initialize sets up the logging directory. Call once at startup with the
// workspace path. Safe to call again (e.g. after a workspace change); open
// files from the previous workspace are closed.
func Initialize(workspace string, opts Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	CloseAll()

	stateMu.Lock()
	defer stateMu.Unlock()

	enabled = opts.Enabled
	switch opts.Level {
	case "debug":
		logLevel = LevelDebug
	case "info", "":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if !enabled {
		logsDir = ""
		return nil
	}

	logsDir = filepath.Join(workspace, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryKernel)
	boot.Info("=== llmos logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Level: %s", opts.Level)

	return nil
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger before Initialize or when logging is disabled.
func Get(category Category) *Logger {
	stateMu.RLock()
	dir := logsDir
	on := enabled
	stateMu.RUnlock()

	if !on || dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message. Always written when a file is open.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Timer measures and logs operation duration on Stop.
type Timer struct {
	logger    *Logger
	operation string
	start     time.Time
}

// StartTimer begins timing an operation in the given category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		logger:    Get(category),
		operation: operation,
		start:     time.Now(),
	}
}

// Stop logs and returns the elapsed time for the operation.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Debug("%s took %v", t.operation, elapsed)
	return elapsed
}

// Convenience functions: quick logging without getting a logger first.
// All are no-ops when logging is disabled.

func Kernel(format string, args ...interface{}) { Get(CategoryKernel).Info(format, args...) }

func KernelDebug(format string, args ...interface{}) { Get(CategoryKernel).Debug(format, args...) }

func KernelWarn(format string, args ...interface{}) { Get(CategoryKernel).Warn(format, args...) }

func Dispatch(format string, args ...interface{}) { Get(CategoryDispatch).Info(format, args...) }

func DispatchDebug(format string, args ...interface{}) {
	Get(CategoryDispatch).Debug(format, args...)
}

func DispatchWarn(format string, args ...interface{}) {
	Get(CategoryDispatch).Warn(format, args...)
}

func Memory(format string, args ...interface{}) { Get(CategoryMemory).Info(format, args...) }

func MemoryDebug(format string, args ...interface{}) { Get(CategoryMemory).Debug(format, args...) }

func MemoryWarn(format string, args ...interface{}) { Get(CategoryMemory).Warn(format, args...) }

func Economy(format string, args ...interface{}) { Get(CategoryEconomy).Info(format, args...) }

func EconomyDebug(format string, args ...interface{}) { Get(CategoryEconomy).Debug(format, args...) }

func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}

func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}

func OrchestratorWarn(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Warn(format, args...)
}

func Agent(format string, args ...interface{}) { Get(CategoryAgent).Info(format, args...) }

func AgentDebug(format string, args ...interface{}) { Get(CategoryAgent).Debug(format, args...) }

func AgentWarn(format string, args ...interface{}) { Get(CategoryAgent).Warn(format, args...) }

func Adapter(format string, args ...interface{}) { Get(CategoryAdapter).Info(format, args...) }

func AdapterDebug(format string, args ...interface{}) { Get(CategoryAdapter).Debug(format, args...) }

func AdapterError(format string, args ...interface{}) { Get(CategoryAdapter).Error(format, args...) }

func Tools(format string, args ...interface{}) { Get(CategoryTools).Info(format, args...) }

func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debug(format, args...) }

func ToolsWarn(format string, args ...interface{}) { Get(CategoryTools).Warn(format, args...) }

func Events(format string, args ...interface{}) { Get(CategoryEvents).Info(format, args...) }

func EventsDebug(format string, args ...interface{}) { Get(CategoryEvents).Debug(format, args...) }

func State(format string, args ...interface{}) { Get(CategoryState).Info(format, args...) }

func StateDebug(format string, args ...interface{}) { Get(CategoryState).Debug(format, args...) }

func StateWarn(format string, args ...interface{}) { Get(CategoryState).Warn(format, args...) }
