package app

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultWakeupDebounceMs   = 200
	defaultWakeupPollInterval = 10 * time.Second
)

// Wakeup watches the notify signal file and pokes the dispatcher as soon as
// new work is enqueued, instead of waiting out the dispatch interval. The
// signal file is touched by every process that enqueues work, so a
// dispatcher in a separate process still wakes promptly. If fsnotify cannot
// be initialized, a poll fallback covers the same ground more slowly.
type Wakeup struct {
	signalPath   string
	target       Triggerable
	logger       *log.Logger
	debounceMs   int
	pollInterval time.Duration

	mu            sync.Mutex
	lastSeenRev   string
	debounceTimer *time.Timer
	watcher       *fsnotify.Watcher
	useFsnotify   bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	checkMu       sync.Mutex // serializes check cycles from the debounce timer and the poll loop
}

// WakeupOption configures the wakeup watcher.
type WakeupOption func(*Wakeup)

// WithWakeupPollInterval sets the fallback poll interval.
func WithWakeupPollInterval(d time.Duration) WakeupOption {
	return func(w *Wakeup) { w.pollInterval = d }
}

// NewWakeup creates a wakeup watcher that pokes target whenever the signal
// file's revision changes.
func NewWakeup(signalPath string, target Triggerable, logger *log.Logger, opts ...WakeupOption) *Wakeup {
	w := &Wakeup{
		signalPath:   signalPath,
		target:       target,
		logger:       logger,
		debounceMs:   defaultWakeupDebounceMs,
		pollInterval: defaultWakeupPollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start starts the file watcher and fallback poll. Returns when ctx is
// cancelled. If fsnotify fails to initialize, falls back to poll-only mode.
func (w *Wakeup) Start(ctx context.Context) {
	defer close(w.doneCh)

	watchDir := filepath.Dir(w.signalPath)
	signalName := filepath.Base(w.signalPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("Wakeup: fsnotify init failed (%v), using poll-only", err)
		w.useFsnotify = false
	} else {
		w.watcher = watcher
		w.useFsnotify = true
		if err := watcher.Add(watchDir); err != nil {
			w.logger.Printf("Wakeup: fsnotify add %s failed (%v), using poll-only", watchDir, err)
			_ = watcher.Close()
			w.watcher = nil
			w.useFsnotify = false
		}
	}

	if w.useFsnotify {
		defer w.watcher.Close()
		go w.watchLoop(ctx, signalName)
	}

	w.pollLoop(ctx)
}

// Stop signals the watcher to stop. Call after cancelling the context
// passed to Start.
func (w *Wakeup) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// CheckOnce runs one revision check (for testing or manual trigger).
func (w *Wakeup) CheckOnce() {
	w.check()
}

func (w *Wakeup) watchLoop(ctx context.Context, signalName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != signalName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.triggerDebounced()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Wakeup) triggerDebounced() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(time.Duration(w.debounceMs)*time.Millisecond, func() {
		w.check()
	})
}

func (w *Wakeup) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check wakes the target when the signal file carries a revision we have
// not seen. Serialized so the debounce timer and the poll loop cannot both
// fire for the same revision.
func (w *Wakeup) check() {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	rev := w.readSignalRevision()
	if rev == "" {
		return
	}
	w.mu.Lock()
	seen := rev == w.lastSeenRev
	if !seen {
		w.lastSeenRev = rev
	}
	w.mu.Unlock()
	if seen {
		return
	}

	w.target.Trigger()
}

func (w *Wakeup) readSignalRevision() string {
	data, err := os.ReadFile(w.signalPath)
	if err != nil {
		return ""
	}
	return string(data)
}
