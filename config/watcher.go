package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/graphkeep/graphkeep/pkg/logger"
)

// Watcher reloads the configuration file of a Loader when it changes and
// hands the hot-reloadable part to registered callbacks.
//
// The parent directory is watched rather than the file, so replacing the
// file by rename (editors, mounted config maps) is seen as a change.
type Watcher struct {
	loader   *Loader
	path     string
	fs       *fsnotify.Watcher
	debounce time.Duration
	log      logger.Logger

	mu        sync.Mutex
	current   *Config
	callbacks []func(*Config)
	running   bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger for reload results.
func WithWatcherLogger(l logger.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher watches the file of the loader's last Load. current is the
// configuration the node is running with.
func NewWatcher(loader *Loader, current *Config, opts ...WatcherOption) (*Watcher, error) {
	path := loader.Path()
	if path == "" {
		return nil, ErrNoConfigFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		loader:   loader,
		path:     abs,
		fs:       fs,
		debounce: 300 * time.Millisecond,
		log:      logger.Component("config"),
		current:  current,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnChange registers fn to run, in registration order, after a reload that
// changed a hot-reloadable setting.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Watch blocks until ctx is done or Stop is called. It returns ctx.Err()
// on cancellation and nil after Stop.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("config watcher is already running")
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Reload()
	if err != nil {
		w.log.Error("config reload failed, keeping previous values", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	if prev != nil && RequiresRestart(prev, cfg) {
		w.log.Warn("config change needs a restart to take effect", "path", w.path)
	}
	if prev != nil && !ExtractHotReloadable(prev).Changed(ExtractHotReloadable(cfg)) {
		return
	}
	w.log.Info("config reloaded", "path", w.path)
	for _, fn := range callbacks {
		w.run(fn, cfg)
	}
}

func (w *Watcher) run(fn func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("config callback panic", "panic", r)
		}
	}()
	fn(cfg)
}

// Stop ends Watch and releases the file watch. It is safe to call twice.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// HotReloadableConfig contains the values a running node applies without a
// restart. Everything else in Config takes effect on the next start.
type HotReloadableConfig struct {
	LogLevel string
}

// ExtractHotReloadable extracts hot-reloadable values from Config.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{LogLevel: cfg.Log.Level}
}

// Changed reports whether other differs from h.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}

// RequiresRestart reports whether b differs from a outside the
// hot-reloadable settings.
func RequiresRestart(a, b *Config) bool {
	x, y := *a, *b
	x.Log.Level, y.Log.Level = "", ""
	return !reflect.DeepEqual(x, y)
}
