package source

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/metrics"
)

// NotifyFunc is invoked for every observed snapshot change. Debouncing is
// the broadcaster's job, not the watcher's.
type NotifyFunc func(ctx context.Context)

// Watcher converts filesystem writes on the audit report into change
// notifications. The parent directory is watched rather than the file
// itself because many writers replace the report atomically via rename.
type Watcher struct {
	path   string
	notify NotifyFunc
	logger *zap.SugaredLogger
}

func NewWatcher(path string, notify NotifyFunc, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:   path,
		notify: notify,
		logger: logger.Named("watcher").Sugar(),
	}
}

// Run watches until the context is cancelled. Call in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Infow("Watching audit report for changes", "path", w.path)

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			metrics.ChangeNotifications.WithLabelValues("file").Inc()
			w.logger.Debugw("Audit report changed", "op", event.Op.String())
			w.notify(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("Filesystem watcher error", "error", err)
		}
	}
}
