package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives the freshly loaded config after a change on disk.
type ReloadFunc func(cfg *Config)

// Watcher watches the config file and reloads tunables on change
type Watcher struct {
	loader   *Loader
	onReload ReloadFunc
	logger   zerolog.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher creates a config file watcher
func NewWatcher(loader *Loader, onReload ReloadFunc, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		onReload: onReload,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the config file directory
func (w *Watcher) Start() error {
	path, err := w.loader.Path()
	if err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	// Watch the directory: editors replace files rather than writing in place
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return err
	}

	go w.run(path)
	return nil
}

func (w *Watcher) run(path string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cfg, err := w.loader.Load()
			if err != nil {
				w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
				continue
			}
			if err := cfg.Validate(); err != nil {
				w.logger.Warn().Err(err).Msg("Reloaded config invalid, keeping previous config")
				continue
			}

			w.logger.Info().Str("path", path).Msg("Config reloaded")
			if w.onReload != nil {
				w.onReload(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}
