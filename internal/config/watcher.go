package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes and hands the new
// Config to a callback. Only settings that are safe to change at runtime
// should be applied by the callback (risk limits); everything else needs a
// restart.
type Watcher struct {
	path     string
	onChange func(*Config)
	log      *slog.Logger
	debounce time.Duration

	watcher     *fsnotify.Watcher
	lastModTime time.Time
}

// NewWatcher creates a watcher for the file at path.
func NewWatcher(path string, onChange func(*Config), log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// Editors replace files atomically, so watch the directory.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		onChange: onChange,
		log:      log.With("component", "config-watcher"),
		debounce: 100 * time.Millisecond,
		watcher:  fw,
	}
	if info, err := os.Stat(abs); err == nil {
		w.lastModTime = info.ModTime()
	}
	return w, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Let the writer finish before reading.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.debounce):
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("stat config", "path", w.path, "error", err)
		return
	}
	if !info.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("reloading config", "path", w.path, "error", err)
		return
	}
	w.log.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}
