package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-loads the config file on change and hands each good parse to
// onChange. Parse failures keep the previous config and log a warning.
// Editors replace files rather than writing in place, so the watch is on
// the directory and events are debounced.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = ExpandHome(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		fire := func() {
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config: reload failed, keeping previous", "error", err)
				return
			}
			slog.Info("config: reloaded", "path", path)
			onChange(cfg)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, fire)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "error", err)
			}
		}
	}()
	return nil
}
