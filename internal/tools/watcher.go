package tools

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"llmos/internal/logging"
)

// Watcher hot-loads tool files as they appear in the workspace tool
// directory. The crystallizer writes files there, and users can drop
// in hand-written tools; either way the registry picks them up without
// a restart.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	dir         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the workspace tool directory.
func NewWatcher(workspace string, registry *Registry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fsw,
		registry:    registry,
		dir:         Dir(workspace),
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a
// goroutine until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		logging.ToolsWarn("tool watcher: failed to create %s: %v (continuing anyway)", w.dir, err)
	}

	if err := w.watcher.Add(w.dir); err != nil {
		logging.ToolsWarn("tool watcher: initial watch failed: %v", err)
	} else {
		logging.Tools("tool watcher: watching %s", w.dir)
	}

	go w.run(ctx)
	return nil
}

// Stop halts the event loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.ToolsWarn("tool watcher: close: %v", err)
	}
	logging.Tools("tool watcher: stopped")
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.ToolsDebug("tool watcher: context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ToolsWarn("tool watcher: %v", err)

		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".go") {
		return
	}

	switch {
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		// Deletions take effect immediately; there is nothing to settle.
		name := ToolName(event.Name)
		if w.registry.Remove(name) {
			logging.Tools("tool watcher: unloaded %s", name)
		}

	case event.Op&fsnotify.Create != 0, event.Op&fsnotify.Write != 0:
		logging.ToolsDebug("tool watcher: %s changed", event.Name)
		w.mu.Lock()
		w.debounceMap[event.Name] = time.Now()
		w.mu.Unlock()
	}
}

// processDebounced loads files whose events have settled past the
// debounce window.
func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	toLoad := make([]string, 0)
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			toLoad = append(toLoad, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range toLoad {
		name, err := w.registry.LoadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // deleted before the debounce settled
			}
			logging.ToolsWarn("tool watcher: failed to load %s: %v", path, err)
			continue
		}
		logging.Tools("tool watcher: hot-loaded %s", name)
	}
}
