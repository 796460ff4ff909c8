package config

import (
	"path/filepath"
	"time"

	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	stop     chan struct{}
}

// NewWatcher watches path and calls onChange with the freshly loaded
// configuration after each write. Editors that replace the file are
// handled by watching the parent directory.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		stop:     make(chan struct{}),
	}

	go w.watch()
	return w, nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}

func (w *Watcher) watch() {
	// Debounce: editors fire several events per save.
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			cfg, err := Load(w.path)
			if err != nil {
				logger.Warn("Config reload failed for %s: %v", w.path, err)
				continue
			}
			logger.Info("Config reloaded from %s", w.path)
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("Config watcher error: %v", err)
		}
	}
}
