package checker

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of write events an editor or atomic
// save produces into one change notification.
const debounceDelay = 500 * time.Millisecond

// SettingsWatcher watches one settings file and invokes a callback when it
// changes. It watches the containing directory so the file may not exist
// yet; creation, rewrite and deletion all count as changes.
type SettingsWatcher struct {
	path     string
	onChange func()
	logger   *slog.Logger

	fw   *fsnotify.Watcher
	quit chan struct{}
	done chan struct{}
}

// NewSettingsWatcher prepares a watcher for the file at path. Nothing runs
// until Start.
func NewSettingsWatcher(path string, onChange func(), logger *slog.Logger) *SettingsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsWatcher{path: filepath.Clean(path), onChange: onChange, logger: logger}
}

// Start begins watching. Call Stop to cancel.
func (w *SettingsWatcher) Start() error {
	if w.quit != nil {
		return errors.New("settings watcher already started")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.fw = fw
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()
	w.logger.Debug("watching settings file", "path", w.path)
	return nil
}

// Stop cancels the watch and waits for the loop to exit. Stopping twice, or
// before starting, is a no-op.
func (w *SettingsWatcher) Stop() {
	if w.quit == nil {
		return
	}
	close(w.quit)
	<-w.done
	_ = w.fw.Close()
	w.quit = nil
	w.done = nil
	w.fw = nil
}

func (w *SettingsWatcher) loop() {
	defer close(w.done)
	timer := time.NewTimer(debounceDelay)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounceDelay)
			pending = true
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watch error", "error", err)
		case <-timer.C:
			if pending {
				pending = false
				w.onChange()
			}
		case <-w.quit:
			return
		}
	}
}
