package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch forwards file system events below the root to sink until ctx ends.
// Writes and creations enqueue the file's bytes; removals and renames
// enqueue a deletion of files the watcher has seen.
func (w *Workspace) Watch(ctx context.Context, sink Sink) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	seen := make(map[string]bool)
	if err := w.addTree(ctx, watcher, w.Root, seen, nil); err != nil {
		return err
	}
	w.logger.Info("watching workspace", zap.String("root", w.Root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, watcher, sink, seen, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

// addTree registers every non-ignored directory below dir and records the
// tracked files already present. With a sink those files are enqueued too,
// since they may have been written before the directory was watched.
func (w *Workspace) addTree(ctx context.Context, watcher *fsnotify.Watcher, dir string, seen map[string]bool, sink Sink) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		lp, err := w.LixPath(p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if w.ShouldIgnore(lp, true) {
				return filepath.SkipDir
			}
			if err := watcher.Add(p); err != nil {
				return fmt.Errorf("adding directory to watcher: %w", err)
			}
			return nil
		}
		if !w.wants(lp) {
			return nil
		}
		seen[lp] = true
		if sink != nil {
			w.enqueueFile(ctx, sink, p, lp)
		}
		return nil
	})
}

func (w *Workspace) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, sink Sink, seen map[string]bool, event fsnotify.Event) {
	lp, err := w.LixPath(event.Name)
	if err != nil {
		w.logger.Error("getting workspace path", zap.String("name", event.Name), zap.Error(err))
		return
	}

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Has(fsnotify.Create) && !w.ShouldIgnore(lp, true) {
				if err := w.addTree(ctx, watcher, event.Name, seen, sink); err != nil {
					w.logger.Error("watching new directory", zap.String("path", lp), zap.Error(err))
				}
			}
			return
		}
		if !w.wants(lp) {
			return
		}
		if w.enqueueFile(ctx, sink, event.Name, lp) {
			seen[lp] = true
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if !seen[lp] {
			return
		}
		if _, err := os.Stat(event.Name); !errors.Is(err, fs.ErrNotExist) {
			return
		}
		delete(seen, lp)
		if _, err := sink.EnqueueDelete(ctx, lp); err != nil {
			w.logger.Error("enqueueing deletion", zap.String("path", lp), zap.Error(err))
		}
	}
}

func (w *Workspace) enqueueFile(ctx context.Context, sink Sink, osPath, lp string) bool {
	data, err := os.ReadFile(osPath)
	if err != nil {
		w.logger.Warn("reading changed file", zap.String("path", lp), zap.Error(err))
		return false
	}
	if _, err := sink.Enqueue(ctx, lp, data, nil); err != nil {
		w.logger.Error("enqueueing write", zap.String("path", lp), zap.Error(err))
		return false
	}
	return true
}
