package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/metric"
)

// WatcherDeps holds the collaborators of a Watcher.
type WatcherDeps struct {
	Logger *slog.Logger
	// Metrics counts reloads by outcome when set.
	Metrics  *metric.Metrics
	Debounce time.Duration
}

// Watcher reloads the loader's layers when one of the files changes and
// publishes every valid result to the SafeConfig and to subscribers. An
// invalid file leaves the current configuration in place.
type Watcher struct {
	loader   *Loader
	safe     *SafeConfig
	logger   *slog.Logger
	metrics  *metric.Metrics
	debounce time.Duration

	fs    *fsnotify.Watcher
	files map[string]bool

	subsMu sync.Mutex
	subs   []chan *Config

	reloadMu sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher over the loader's file layers.
func NewWatcher(loader *Loader, safe *SafeConfig, deps WatcherDeps) (*Watcher, error) {
	if loader == nil || safe == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Watcher", "NewWatcher", "loader and config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := deps.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	files := make(map[string]bool)
	for _, path := range loader.Layers() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Watcher", "NewWatcher", "resolve "+path)
		}
		files[abs] = true
	}

	// A generated node name must survive reloads.
	loader.PinDefaultName(safe.Get().Node.Name)

	return &Watcher{
		loader:   loader,
		safe:     safe,
		logger:   logger.With("component", "config-watcher"),
		metrics:  deps.Metrics,
		debounce: debounce,
		files:    files,
		done:     make(chan struct{}),
	}, nil
}

// Subscribe returns a channel receiving each applied configuration. The
// channel holds one pending value; a slow reader only sees the latest.
func (w *Watcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

// Start begins watching. Directories are watched rather than files so
// that editors replacing the file by rename are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "Watcher", "Start", "create fsnotify watcher")
	}

	dirs := make(map[string]bool)
	for file := range w.files {
		dirs[filepath.Dir(file)] = true
	}
	for dir := range dirs {
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return errors.WrapInvalid(err, "Watcher", "Start", "watch "+dir)
		}
	}
	w.fs = fs

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("Watching configuration", "files", len(w.files))
	return nil
}

// Stop ends watching and closes subscriber channels.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fs != nil {
			err = w.fs.Close()
		}
		w.wg.Wait()

		w.subsMu.Lock()
		for _, ch := range w.subs {
			close(ch)
		}
		w.subs = nil
		w.subsMu.Unlock()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watch error", "error", err)
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.Error("Configuration reload rejected", "error", err)
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	return err == nil && w.files[abs]
}

// Reload loads the layers now and applies the result if it is valid.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := w.loader.Load()
	if err == nil {
		err = w.safe.Update(cfg)
	}
	if w.metrics != nil {
		w.metrics.RecordReload(err == nil)
	}
	if err != nil {
		return err
	}

	w.logger.Info("Configuration reloaded", "version", cfg.Version)
	applied := w.safe.Get()

	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		select {
		case <-ch:
		default:
		}
		ch <- applied
	}
	return nil
}
