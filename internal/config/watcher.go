package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"workfarm/internal/logging"
)

// Watcher hot-reloads config.json when it is edited outside the REPL.
// Events are debounced because editors fire several writes per save.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	manager  *Manager
	dataDir  string
	debounce time.Duration
	lastSeen time.Time
	running  bool
	doneCh   chan struct{}
}

// NewWatcher creates a watcher over <dataDir>/config.json.
func NewWatcher(dataDir string, manager *Manager) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		manager:  manager,
		dataDir:  dataDir,
		debounce: 500 * time.Millisecond,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the loop exits when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: atomic rename-replace swaps
	// the inode and a file watch would go stale after the first save.
	if err := w.watcher.Add(w.dataDir); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	target := filepath.Join(w.dataDir, "config.json")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			w.mu.Lock()
			if time.Since(w.lastSeen) < w.debounce {
				w.mu.Unlock()
				continue
			}
			w.lastSeen = time.Now()
			w.mu.Unlock()

			if err := w.manager.reload(); err != nil {
				logging.Get(logging.CategoryBoot).Warn("config reload failed: %v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()

	err := w.watcher.Close()
	if running {
		<-w.doneCh
	}
	return err
}
