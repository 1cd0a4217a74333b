package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policies under paths after every change and hands the
// full set to apply. It returns once the watches are installed; they are
// removed when ctx ends.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = w

	for _, path := range paths {
		if err := addWatches(w, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Not watching policy path")
		}
	}
	go l.watchLoop(ctx, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// addWatches watches a directory tree, or the directory holding a file so
// that editors replacing the file are seen.
func addWatches(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(p)
	})
}

func isPolicyFile(name string) bool {
	switch filepath.Ext(name) {
	case ".rego", ".yaml", ".yml":
		return true
	}
	return false
}

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

func (l *Loader) watchLoop(ctx context.Context, paths []string, apply func([]Policy) error) {
	defer l.watcher.Close()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(watchedOps) || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(l.reloadDelay, func() {
				if err := l.reload(ctx, paths, apply); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	return nil
}
