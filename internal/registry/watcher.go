package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the store whenever the registry file changes on disk.
// The parent directory is watched rather than the file itself so editors that
// save by rename are still noticed. onReload (may be nil) is called after
// every reload attempt with its error.
func (s *Store) Watch(ctx context.Context, onReload func(err error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go s.runWatcher(ctx, watcher, onReload)

	slog.Info("registry watcher started", "path", s.path)
	return nil
}

func (s *Store) runWatcher(ctx context.Context, watcher *fsnotify.Watcher, onReload func(err error)) {
	defer watcher.Close()

	base := filepath.Base(s.path)

	// Debounce: editors emit several events per save
	var mu sync.Mutex
	var pending *time.Timer

	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(reloadDebounce, func() {
			err := s.Reload()
			if err != nil {
				slog.Warn("registry reload failed, keeping previous document", "path", s.path, "err", err)
			} else {
				slog.Info("registry reloaded", "path", s.path, "services", len(s.Registry().Services))
			}
			if onReload != nil {
				onReload(err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("registry watcher error", "err", err)
		}
	}
}
