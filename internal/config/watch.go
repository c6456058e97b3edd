package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nexus3/nexus3/internal/logging"
)

// ReloadCallback is invoked with the freshly loaded config after a file
// change settles. A non-nil error means Load (including validation) failed;
// the callback is responsible for deciding whether to keep running on the
// last-known-good Config.
type ReloadCallback func(cfg *Config, err error)

// Watcher reloads a config file on change (config.server.live_reload),
// grounded on internal/skills.Manager's fsnotify watch loop: one watcher,
// one debounce timer, a cancelable goroutine.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadCallback
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher constructs a Watcher for path. debounce defaults to 250ms if
// zero or negative.
func NewWatcher(path string, debounce time.Duration, onReload ReloadCallback, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onReload: onReload,
		logger:   logging.EnsureLoggerWithComponent(logger, "config.watch"),
	}
}

// Start begins watching. Safe to call once; a second call while already
// running is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	// Watch the containing directory rather than the file itself: editors
	// commonly replace a file via rename-into-place, which drops the
	// original inode (and fsnotify's watch on it) from under a direct watch.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed", "path", w.path, "error", err)
			} else {
				w.logger.Info("config reloaded", "path", w.path)
			}
			if w.onReload != nil {
				w.onReload(cfg, err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}
