package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/danielpatrickdp/turn-governor/internal/observability"
)

// DefaultDebounce is how long the watcher waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes and hands valid results to a
// callback. Invalid files are logged and skipped; the previous config stays.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(Config)
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directory holding path, so editors that replace the
// file by rename are still seen.
func NewWatcher(path string, onChange func(Config), logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		w.Close()
		return nil, err
	}
	abs = filepath.Join(dir, filepath.Base(abs))
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	return &Watcher{
		watcher:  w,
		path:     abs,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   observability.OrNop(logger),
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("[CONFIG] file watcher error", "err", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("[CONFIG] hot-reload failed", "path", w.path, "err", err)
		return
	}
	w.logger.Info("[CONFIG] hot-reload applied", "path", w.path)
	w.onChange(cfg)
}
