package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a config file's parent directory and reloads the holder
// on every write/create event, debouncing bursts of events (editors tend
// to emit several for one logical save) within a fixed window.
type Watcher struct {
	path     string
	holder   *Holder
	logger   *zap.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	stop     chan struct{}
}

// NewWatcher creates a watcher for path, reloading into holder on change.
func NewWatcher(path string, holder *Holder, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		holder:   holder,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		watcher:  fw,
		stop:     make(chan struct{}),
	}, nil
}

// Run blocks, reloading the config on every debounced filesystem event,
// until Close is called.
func (w *Watcher) Run() {
	var timer *time.Timer
	reload := func() {
		snap, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed, keeping previous snapshot", zap.Error(err))
			return
		}
		snap.Generation = w.holder.Current().Generation + 1
		w.holder.Swap(snap)
		w.logger.Info("config reloaded", zap.Int64("generation", snap.Generation))
	}

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops the watcher and releases its filesystem handle.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}
