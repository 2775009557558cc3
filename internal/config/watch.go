package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and delivers the
// new value on Updates. Invalid intermediate states (partial writes, a
// config that fails validation) are logged and skipped; the last good
// config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	updates chan Config
	closed  chan struct{}
}

// Watch starts watching the directory containing path. Watching the
// directory rather than the file survives editors that rename-and-replace
// on save.
func Watch(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		updates: make(chan Config, 1),
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Updates delivers each successfully reloaded config. The channel has a
// buffer of one; if the consumer lags, older updates are dropped in favor
// of the newest.
func (w *Watcher) Updates() <-chan Config { return w.updates }

func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload of %s failed: %v", w.path, err)
				continue
			}
			// Replace a pending update rather than blocking.
			select {
			case w.updates <- cfg:
			default:
				select {
				case <-w.updates:
				default:
				}
				w.updates <- cfg
			}
			log.Printf("CONFIG: reloaded %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}
