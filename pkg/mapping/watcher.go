package mapping

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/log"
)

// Watcher monitors a mapping file and reloads the registry when it changes.
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename are still seen.
type Watcher struct {
	mu sync.Mutex

	path     string
	registry *Registry
	logger   *log.Logger

	fsWatcher *fsnotify.Watcher

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Debouncing: a burst of writes produces one reload
	debounceDelay time.Duration
	pending       fsnotify.Op
	eventTimer    *time.Timer

	onReload func(snap *Snapshot)
	onError  func(err error)
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for batching file events.
// Default is 100ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithOnReload sets a callback for successful reloads.
func WithOnReload(fn func(snap *Snapshot)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithOnError sets a callback for failed reloads and watcher errors.
func WithOnError(fn func(err error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for the mapping file at path.
func NewWatcher(path string, registry *Registry, logger *log.Logger, opts ...WatcherOption) (*Watcher, error) {
	if logger == nil {
		logger = log.Discard()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeWatcherFailed, "resolve mapping path").
			WithField("path", path).
			Err()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeWatcherFailed, "create file watcher").Err()
	}

	w := &Watcher{
		path:          abs,
		registry:      registry,
		logger:        logger,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return errors.Wrap(err, errors.ErrCodeWatcherFailed, "watch mapping directory").
			WithOp("Watcher.Start").
			WithField("dir", dir).
			Err()
	}

	w.logger.Application().Info("mapping watcher started", "path", w.path)

	go w.processEvents()

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Application().Info("mapping watcher stopped")

	return w.fsWatcher.Close()
}

// IsRunning returns whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			w.mu.Lock()
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Application().Error("mapping watcher error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending |= event.Op

	if w.eventTimer != nil {
		w.eventTimer.Stop()
	}
	w.eventTimer = time.AfterFunc(w.debounceDelay, w.processPending)
}

func (w *Watcher) processPending() {
	w.mu.Lock()
	op := w.pending
	w.pending = 0
	w.mu.Unlock()

	if op == 0 {
		return
	}

	snap, err := w.registry.LoadFile(w.path)
	if err != nil {
		// Removed, half-written or invalid: keep serving the previous mapping.
		w.logger.Application().Error("mapping reload failed, keeping previous mapping", err,
			"path", w.path,
			"event", op.String(),
			"version", w.registry.Version(),
		)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.logger.Application().Info("mapping reloaded",
		"path", w.path,
		"version", snap.Version,
	)
	if w.onReload != nil {
		w.onReload(snap)
	}
}
