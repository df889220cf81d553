package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the layered config when any config file changes and invokes
// onReload with the fresh merge. Editors replace files on save, so the parent
// directories are watched rather than the files themselves. Events are
// debounced; the watcher stops when ctx is cancelled.
func Watch(ctx context.Context, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]bool)
	for _, p := range layerPaths() {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Debug("config watch: skipping dir", "dir", dir, "error", err)
		}
	}

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !isConfigFile(ev.Name) {
					continue
				}
				pending = time.After(250 * time.Millisecond)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", "error", err)

			case <-pending:
				pending = nil
				cfg, err := Load()
				if err != nil {
					slog.Warn("config reload failed, keeping previous config", "error", err)
					continue
				}
				slog.Info("config reloaded")
				onReload(cfg)
			}
		}
	}()
	return nil
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	return base == "config.json" || base == "settings.local.json"
}
