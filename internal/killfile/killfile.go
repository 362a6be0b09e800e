// Package killfile implements an emergency stop that operates entirely
// outside the governor's decision path. Creating the KILL sentinel file
// stops the tick driver and triggers the shutdown restore; the governor
// itself never reads the sentinel and no decision depends on it.
package killfile

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a sentinel path and fires once when the file appears.
type Watcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	onKill    func()
	once      sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

// New creates a Watcher for the sentinel at path. onKill is invoked at most
// once: from Start when the sentinel already exists, otherwise from the
// watcher goroutine.
func New(path string, onKill func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:      path,
		fsWatcher: fsw,
		onKill:    onKill,
		done:      make(chan struct{}),
		logger:    logger.With("component", "killfile"),
	}, nil
}

// Start begins watching the sentinel's directory in a background goroutine.
// A sentinel already present at startup triggers immediately.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}

	if _, err := os.Stat(w.path); err == nil {
		w.trigger("present at startup")
		return nil
	}

	go w.loop()
	return nil
}

// Stop shuts down the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				w.trigger("sentinel created")
				return
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) trigger(reason string) {
	w.once.Do(func() {
		w.logger.Warn("kill sentinel triggered", "path", w.path, "reason", reason)
		if w.onKill != nil {
			w.onKill()
		}
	})
}
