package persist

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// fsWatcher drives the filesystem adapter's cache refresh: it watches the
// table directories and reports row-file changes so records modified by
// other processes become visible without restarting.
type fsWatcher struct {
	watcher *fsnotify.Watcher
	log     *zap.Logger
	stopCh  chan struct{}
	onEvent func(table, path string, op fsnotify.Op)

	mu      sync.Mutex
	watched map[string]string // directory -> table
}

func newFsWatcher(log *zap.Logger, onEvent func(table, path string, op fsnotify.Op)) (*fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	fw := &fsWatcher{
		watcher: w,
		log:     log,
		stopCh:  make(chan struct{}),
		onEvent: onEvent,
		watched: make(map[string]string),
	}
	go fw.loop()
	return fw, nil
}

// EnsureWatching registers a table directory. Idempotent per directory.
func (w *fsWatcher) EnsureWatching(table, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watched[dir]; ok {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.watched[dir] = table
	w.log.Debug("watching table directory",
		zap.String("table", table), zap.String("dir", dir))
	return nil
}

func (w *fsWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *fsWatcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp-") {
		return
	}

	w.mu.Lock()
	table, ok := w.watched[filepath.Dir(event.Name)]
	w.mu.Unlock()
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
		w.onEvent(table, event.Name, event.Op)
	}
}

func (w *fsWatcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
