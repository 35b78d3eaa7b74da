package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-reads the config file when it changes and hands the fresh copy
// to subscribers. Only tunables (deadlines, thresholds, floors) are expected
// to change at runtime; structural settings (data_dir, bus_url) require a
// restart and are ignored by subscribers.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	cur  *Config
	subs []func(*Config)

	fw   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching path. The initial config must already be loaded.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:   path,
		logger: logger,
		cur:    initial,
		fw:     fw,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the latest config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// OnChange registers a callback invoked with each successfully reloaded
// config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous", zap.Error(err))
				continue
			}
			w.mu.Lock()
			w.cur = cfg
			subs := append([]func(*Config){}, w.subs...)
			w.mu.Unlock()
			w.logger.Info("config reloaded", zap.String("path", w.path))
			for _, fn := range subs {
				fn(cfg)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
