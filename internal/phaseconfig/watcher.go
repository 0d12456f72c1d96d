package phaseconfig

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the Loader's TTL cache as soon as a descriptor file
// changes on disk, instead of waiting out the full 5-minute TTL. Grounded
// on the corpus's directory-watch pattern for hot-reloaded declarative
// config (fsnotify over a flat directory of per-unit files).
type Watcher struct {
	loader *Loader
	fw     *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher starts watching loader.Dir for changes to *.toml descriptors.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(loader.Dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{loader: loader, fw: fw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".toml") {
				continue
			}
			phaseID := strings.TrimSuffix(filepath.Base(ev.Name), ".toml")
			w.loader.Invalidate(context.Background(), phaseID)
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop closes the underlying fsnotify watcher and waits for the loop to
// exit.
func (w *Watcher) Stop() {
	w.fw.Close()
	<-w.done
}
