package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/steward-ai/steward/internal/event"
	"github.com/steward-ai/steward/internal/logging"
)

// Watcher reloads configuration when any contributing file changes and
// publishes config.updated.
type Watcher struct {
	watcher   *fsnotify.Watcher
	directory string

	mu      sync.RWMutex
	current *Config

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewWatcher creates a watcher over the config sources of cfg.
func NewWatcher(directory string, cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, src := range cfg.Sources {
		if err := fw.Add(src); err != nil {
			logging.Debug().Err(err).Str("path", src).Msg("config watch add failed")
		}
	}
	return &Watcher{
		watcher:   fw,
		directory: directory,
		current:   cfg,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching. Safe to call once.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.directory)
			if err != nil {
				logging.Warn().Err(err).Msg("config reload failed")
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			logging.Info().Str("path", ev.Name).Msg("config reloaded")
			event.Publish(event.Event{
				Type: event.ConfigUpdated,
				Data: event.ConfigUpdatedData{Path: ev.Name},
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.mu.Unlock()
	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}
