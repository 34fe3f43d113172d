// Package hotreload watches the configuration file and re-applies it when it
// changes on disk.
package hotreload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader validates and applies the file at path. A returned error leaves the
// running configuration untouched.
type Loader interface {
	Apply(ctx context.Context, path string) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) error

func (f LoaderFunc) Apply(ctx context.Context, path string) error { return f(ctx, path) }

// Watcher reloads one file after it settles. Editors that save by renaming a
// temp file over the original are handled by watching the parent directory.
type Watcher struct {
	path     string
	loader   Loader
	debounce time.Duration
	onChange func(path string, err error)

	fsw     *fsnotify.Watcher
	running atomic.Bool
	trigger chan struct{}
	done    chan struct{}
	stopMu  sync.Mutex

	stats Stats
	mu    sync.RWMutex
}

// Stats counts reload attempts.
type Stats struct {
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// Config configures a Watcher.
type Config struct {
	Path     string
	Loader   Loader
	Debounce time.Duration // quiet period after the last write; default 250ms
	OnChange func(path string, err error)
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Path, err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:     filepath.Clean(abs),
		loader:   cfg.Loader,
		debounce: debounce,
		onChange: cfg.OnChange,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The watcher runs until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		w.running.Store(false)
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			timer.Reset(w.debounce)
		}
		timerC = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				arm()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))
		case <-w.trigger:
			w.reload(ctx)
		case <-timerC:
			timerC = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.mu.Lock()
	w.stats.ReloadsTotal++
	w.mu.Unlock()

	err := w.loader.Apply(ctx, w.path)
	if err != nil {
		w.recordError(fmt.Sprintf("reload %s: %v", w.path, err))
	} else {
		w.mu.Lock()
		w.stats.ReloadsSuccess++
		w.stats.LastReload = time.Now()
		w.mu.Unlock()
	}
	if w.onChange != nil {
		w.onChange(w.path, err)
	}
}

func (w *Watcher) recordError(msg string) {
	w.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = msg
	w.stats.LastErrorTime = time.Now()
	w.mu.Unlock()
}

// Stop closes the underlying watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}

// TriggerReload queues a reload without waiting for a file event.
func (w *Watcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
	return nil
}

func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}
