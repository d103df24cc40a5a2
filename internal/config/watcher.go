package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ytnobody/rolerelay/internal/logger"
)

const debounce = 250 * time.Millisecond

// Watcher monitors a config file for changes and emits validated new configs.
type Watcher struct {
	path string
}

// NewWatcher creates a new Watcher for the given config file path.
func NewWatcher(path string) *Watcher {
	return &Watcher{path: path}
}

// Watch sends validated new configs to the returned channel until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file via rename are still seen. If the new file fails validation, the
// error is logged and the current config remains active.
func (w *Watcher) Watch(ctx context.Context) (<-chan *Config, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	abs, err := filepath.Abs(w.path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	log := logger.For("config")
	ch := make(chan *Config, 1)

	go func() {
		defer close(ch)
		defer fsw.Close()

		var timer *time.Timer
		var fire <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("watch error")
			case <-fire:
				fire = nil
				newCfg, err := Load(w.path)
				if err != nil {
					log.Warn().Err(err).Msg("reload failed (keeping current config)")
					continue
				}
				log.Info().Str("path", w.path).Msg("config reloaded")

				// Replace a pending update the consumer has not read yet.
				select {
				case ch <- newCfg:
				case <-ch:
					ch <- newCfg
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}
