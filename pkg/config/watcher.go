package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of writes from editors.
const DefaultReloadDelay = 200 * time.Millisecond

// Watcher reloads a configuration file when it changes and hands every
// valid new configuration to a callback. Invalid edits are logged and the
// previous configuration stays in force.
type Watcher struct {
	loader   *Loader
	path     string
	onChange func(*Config)
	delay    time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	current *Config
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. It does not start watching.
func NewWatcher(loader *Loader, path string, current *Config, onChange func(*Config), logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		onChange: onChange,
		delay:    DefaultReloadDelay,
		logger:   logger.With().Str("component", "config-watcher").Str("path", path).Logger(),
		current:  current,
	}
}

// SetDelay changes the debounce delay. Call before Start.
func (w *Watcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Current returns the configuration in force.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start watches the file's directory until ctx is done. The directory is
// watched rather than the file so that editors replacing the file by rename
// are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw)
	w.logger.Info().Msg("watching configuration")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		_ = fw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("configuration changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, w.reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// reload loads the file and applies it if valid.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("ignoring invalid configuration")
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info().
		Int("bridge_timeout_ms", cfg.BridgeTimeoutMs).
		Int("max_script_size_bytes", cfg.MaxScriptSizeBytes).
		Int("cache_max_age_ms", cfg.CacheMaxAgeMs).
		Msg("configuration reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
