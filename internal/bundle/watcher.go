package bundle

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog whenever a manifest in the bundle directory
// changes. It returns after registering the watch; reloads happen on a
// background goroutine until ctx ends.
func (m *Manager) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(m.dir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				ext := filepath.Ext(ev.Name)
				if ext != ".yaml" && ext != ".yml" {
					continue
				}
				m.logger.Info("bundle manifest changed", "path", ev.Name, "op", ev.Op.String())
				if err := m.LoadAll(); err != nil {
					m.logger.Error("bundle catalog reload failed", "error", err)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				m.logger.Error("bundle watcher error", "error", err)
			}
		}
	}()
	return nil
}
