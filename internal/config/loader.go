// internal/config/loader.go
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader watches a config file and serves the current valid snapshot. A
// reload that fails validation is logged and discarded; the previous
// snapshot stays in force. Accepted reloads invoke the registered callback
// so the change can be audited.
type Loader struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  *Config
	onChange func(old, new *Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader loads the initial snapshot; a broken initial config is fatal
// since there is no previous one to fall back to.
func NewLoader(path string, logger *zap.Logger) (*Loader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config: %w", err)
	}
	return &Loader{path: path, logger: logger, current: cfg, done: make(chan struct{})}, nil
}

// Current returns the active snapshot.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers the callback invoked after an accepted reload.
func (l *Loader) OnChange(fn func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Watch starts watching the file for rewrites. Call Close to stop.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", l.path, err)
	}
	l.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					l.Reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", zap.Error(err))
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Reload re-reads the file, keeping the previous snapshot on any failure.
func (l *Loader) Reload() {
	cfg, err := Load(l.path)
	if err != nil {
		l.logger.Warn("config reload rejected, keeping previous",
			zap.String("path", l.path), zap.Error(err))
		return
	}

	l.mu.Lock()
	old := l.current
	l.current = cfg
	fn := l.onChange
	l.mu.Unlock()

	l.logger.Info("config reloaded", zap.String("path", l.path))
	if fn != nil {
		fn(old, cfg)
	}
}

// Close stops the watcher.
func (l *Loader) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
