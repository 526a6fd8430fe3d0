package creds

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports credential directories removed out-of-band (operator deletes a
// session's directory while sessiond runs). fn receives the session id and runs on
// the watcher goroutine. Watch blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context, fn func(sessionID string)) error {
	if fn == nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creds: watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	if err := w.Add(s.root); err != nil {
		return fmt.Errorf("creds: watch %s: %w", s.root, err)
	}
	s.log.Info("creds.watch.start", "root", s.root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Dir(ev.Name) != s.root {
				continue
			}
			id, ok := sessionIDFromDirName(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			s.log.Info("creds.watch.removed", "session_id", id)
			fn(id)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("creds.watch.error", "err", err)
		}
	}
}
