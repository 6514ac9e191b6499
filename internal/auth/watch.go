package auth

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the user file whenever it is written or replaced, until ctx
// is done. onChange, if set, is called after each successful reload.
//
// The parent directory is watched rather than the file so that editors that
// save by rename keep working.
func (u *Users) Watch(ctx context.Context, logger *slog.Logger, onChange func(*Users)) error {
	if logger == nil {
		logger = slog.Default()
	}
	path := u.Path()
	if path == "" {
		return fmt.Errorf("user file path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	logger.Info("watching user file for changes", slog.String("path", path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				logger.Debug("user file watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				if err := u.Reload(); err != nil {
					logger.Error("failed to reload user file",
						slog.String("error", err.Error()),
						slog.String("path", path))
					continue
				}
				logger.Info("user file reloaded",
					slog.String("path", path),
					slog.Int("users", u.Len()))
				if onChange != nil {
					onChange(u)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("user file watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}
