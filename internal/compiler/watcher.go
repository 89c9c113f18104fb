package compiler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"metaforge/internal/metadata"
	"metaforge/pkg/logger"
)

// DefaultDebounce batches rapid saves into one reload.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reloads the compiler when model files under a directory change.
// Editors often write a file in several steps, so events are debounced and
// a burst produces a single reload.
type Watcher struct {
	compiler *Compiler
	dir      string
	source   Source
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending bool
	lastAt  time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// onReload is called after every attempted reload; tests hook in here.
	onReload func(*Result, error)
}

// NewWatcher creates a watcher for dir. A debounce of zero means
// DefaultDebounce.
func NewWatcher(c *Compiler, dir string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		compiler: c,
		dir:      dir,
		source:   DirSource(dir),
		debounce: debounce,
	}
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// fsnotify is not recursive; add every directory up front.
	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.watcher = fw
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx, fw, w.stopCh, w.doneCh)

	logger.Info(ctx, "watching model definitions", "dir", w.dir, "debounce", w.debounce)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh, fw := w.stopCh, w.doneCh, w.watcher
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
	if err := fw.Close(); err != nil {
		logger.Error(context.Background(), "close watcher", "error", err)
	}
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	tick := w.debounce / 3
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.Warn(ctx, "watcher error", "error", err)
		case <-ticker.C:
			if w.settled() {
				res, err := w.compiler.Trigger(ctx, w.source)
				if w.onReload != nil {
					w.onReload(res, err)
				}
			}
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		// A new subdirectory must be watched too.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.Add(event.Name); err == nil {
				logger.Debug(context.Background(), "watching new directory", "dir", event.Name)
			}
		}
	}
	if !metadata.IsModelFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.pending = true
	w.lastAt = time.Now()
	w.mu.Unlock()
}

// settled reports whether a pending change has been quiet for the
// debounce window, and clears it if so.
func (w *Watcher) settled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.pending || time.Since(w.lastAt) < w.debounce {
		return false
	}
	w.pending = false
	return true
}
