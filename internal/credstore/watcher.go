package credstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig holds configuration for the credential file watcher.
type WatcherConfig struct {
	// Path is the credential file to watch.
	Path string

	// PollInterval is the fallback polling interval when fsnotify is not
	// available. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// OnChange is called after the credential file changes.
	OnChange func()

	// Logger receives watcher diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultPollInterval is the fallback polling interval.
const DefaultPollInterval = 10 * time.Second

// DefaultDebounceInterval is the time to wait after the last observed change
// before invoking the callback, so a write-then-rename sequence triggers a
// single notification.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher monitors the credential file for external changes, letting a host
// pick up sign-ins and sign-outs performed by another process. It uses
// fsnotify with a fallback to polling.
type Watcher struct {
	mu sync.Mutex

	config WatcherConfig

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	lastModTime time.Time

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a watcher for the configured credential file.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("credential watcher path is required")
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Watcher{config: config}, nil
}

// Start begins watching for credential changes. Starting a running watcher
// is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.config.Logger.Warn("fsnotify not available, falling back to polling", "error", err.Error())
		go w.pollForChanges()
		return nil
	}

	// Watch the directory rather than the file so create and rename events
	// are observed even when the file does not exist yet.
	dir := filepath.Dir(w.config.Path)
	if err := watcher.Add(dir); err != nil {
		w.config.Logger.Warn("Failed to watch credential directory, falling back to polling",
			"dir", dir,
			"error", err.Error(),
		)
		watcher.Close()
		go w.pollForChanges()
		return nil
	}

	w.fsWatcher = watcher

	// Capture channels before releasing the lock to avoid racing Stop.
	eventsCh := watcher.Events
	errorsCh := watcher.Errors
	go w.processEvents(eventsCh, errorsCh)

	w.config.Logger.Debug("Started credential watcher", "path", w.config.Path)
	return nil
}

// processEvents handles fsnotify events until the watcher stops.
func (w *Watcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			w.config.Logger.Error("Credential watcher error", "error", err.Error())
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.config.Path) {
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	w.config.Logger.Debug("Credential file changed", "op", event.Op.String())
	w.notifyDebounced()
}

// notifyDebounced invokes the callback after the debounce period.
func (w *Watcher) notifyDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(DefaultDebounceInterval, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

// pollForChanges is the fallback when fsnotify is unavailable.
func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.lastModTime = w.currentModTime()

	for {
		select {
		case <-w.stopCh:
			return

		case <-ticker.C:
			modTime := w.currentModTime()
			if !modTime.Equal(w.lastModTime) {
				w.lastModTime = modTime
				w.config.Logger.Debug("Credential file change detected via polling")
				w.notifyDebounced()
			}
		}
	}
}

// currentModTime returns the credential file's modification time, or the
// zero time when the file does not exist.
func (w *Watcher) currentModTime() time.Time {
	info, err := os.Stat(w.config.Path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Stop gracefully stops the watcher. Stopping a stopped watcher is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			w.config.Logger.Warn("Error closing credential watcher", "error", err.Error())
		}
		w.fsWatcher = nil
	}

	return nil
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
