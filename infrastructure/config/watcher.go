package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads configuration when one of the loader's files changes.
// Hot reloading is only enabled in development; elsewhere the watcher just
// serves the initial configuration.
type Watcher struct {
	loader    *Loader
	logger    *zap.Logger
	mu        sync.RWMutex
	current   *Config
	callbacks []func(old, updated *Config)
	fs        *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewWatcher(loader *Loader, initial *Config, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		loader:  loader,
		logger:  logger.Named("config"),
		current: initial,
		stopCh:  make(chan struct{}),
	}
	if !initial.IsDevelopment() {
		w.logger.Info("configuration hot reloading disabled", zap.String("environment", string(initial.Environment)))
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Editors save by rename, so the directory is watched rather than files.
	if err := fsw.Add(loader.dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", loader.dir, err)
	}
	w.fs = fsw
	go w.loop()

	w.logger.Info("configuration hot reloading enabled", zap.String("dir", loader.dir))
	return w, nil
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(fn func(old, updated *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fs != nil {
			w.fs.Close()
		}
	})
}

func (w *Watcher) loop() {
	watched := make(map[string]bool)
	for _, f := range w.loader.Files() {
		watched[filepath.Clean(f)] = true
	}

	var timer *time.Timer
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !watched[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.Reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// Reload re-reads every source. An invalid result keeps the current
// configuration.
func (w *Watcher) Reload() {
	updated, err := w.loader.Load()
	if err != nil {
		w.logger.Error("config reload failed, keeping current configuration", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := append(([]func(old, updated *Config))(nil), w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.Strings("sources", updated.LoadedFrom))
	for _, fn := range callbacks {
		fn(old, updated)
	}
}
