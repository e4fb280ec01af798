package worker

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// watchRing calls onGone when the ring file disappears. The supervisor
// unlinks the ring when it finalises, so a worker that outlived it notices
// and shuts itself down.
func (w *Worker) watchRing(ctx context.Context, path string, onGone func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create ring watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}
	// the ring may already be gone before the watch was in place
	if _, err := os.Stat(path); os.IsNotExist(err) {
		watcher.Close()
		onGone()
		return nil
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(path) &&
					(event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
					w.logger.Warnw("ring file removed, shutting down", "path", path)
					onGone()
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Debugw("ring watcher error", "error", err)
			}
		}
	}()
	return nil
}
