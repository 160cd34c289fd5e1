package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce lets editors finish write-rename sequences before reload.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the per-resource section of path whenever the file
// changes and passes it to apply. It blocks until ctx ends. The parent
// directory is watched so atomic renames are seen.
func Watch(ctx context.Context, path string, apply func(Resources), log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config", "path", path)

	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		r, err := LoadResources(path)
		if err != nil {
			log.Warn("config reload failed; keeping previous settings", "error", err)
			return
		}
		apply(r)
		log.Info("resource settings reloaded", "rate_limits", len(r.RateLimits), "circuit_breakers", len(r.CircuitBreakers))
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}
