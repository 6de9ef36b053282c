package replication

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher watches the channel directory and triggers an early sync when a
// snapshot file appears. Without fsnotify the sync interval alone applies.
type Watcher struct {
	dir      string
	target   app.Triggerable
	logger   *log.Logger
	debounce time.Duration

	mu            sync.Mutex
	debounceTimer *time.Timer
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait for further events before triggering (default 200ms).
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher on dir that triggers target.
func NewWatcher(dir string, target app.Triggerable, logger *log.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		target:   target,
		logger:   logger,
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start watches until ctx is cancelled or Stop is called.
// If fsnotify fails to initialize, it logs and waits for shutdown.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.doneCh)
	defer w.cancelPending()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("Watcher: fsnotify init failed (%v), relying on sync interval", err)
		w.wait(ctx)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		w.logger.Printf("Watcher: fsnotify add %s failed (%v), relying on sync interval", w.dir, err)
		w.wait(ctx)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, SnapshotSuffix) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.triggerDebounced()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher: %v", err)
		}
	}
}

// Stop signals the watcher to stop and waits for it. Call after Start.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	}
}

func (w *Watcher) triggerDebounced() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.target.Trigger)
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
}
