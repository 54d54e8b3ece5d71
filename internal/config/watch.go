package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and calls onChange with
// each valid new configuration. Invalid or unreadable files are logged and
// skipped; the previous configuration stays in effect. Watch blocks until
// ctx is done.
//
// The parent directory is watched rather than the file itself so that
// editors and config-map style atomic renames keep working.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed, keeping previous configuration",
					slog.String("path", path),
					slog.String("error", err.Error()))
				continue
			}
			if violations := cfg.Validate(); len(violations) > 0 {
				logger.Warn("reloaded config is invalid, keeping previous configuration",
					slog.String("path", path),
					slog.Any("violations", violations))
				continue
			}

			logger.Info("configuration reloaded", slog.String("path", path))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
