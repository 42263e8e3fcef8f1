package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and hands the new config to
// onChange. The parent directory is watched so atomic-rename saves are seen.
// A file that fails to load is logged and skipped; the previous config stays
// in effect. Watch returns once the watcher is running; it stops when ctx is
// done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("watching config file for changes", "path", abs)

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(reloadDebounce)

			case <-pending:
				pending = nil
				cfg, err := Load(abs)
				if err != nil {
					slog.Error("failed to reload config", "path", abs, "error", err)
					continue
				}
				slog.Info("config reloaded", "path", abs)
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", "error", err)
			}
		}
	}()
	return nil
}
