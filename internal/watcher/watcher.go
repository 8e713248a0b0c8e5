// Package watcher reloads the canonical topology file when something other
// than this process rewrites it (a text editor, scp, the simulator tooling).
// Our own atomic saves also trip it; the reload is idempotent so that is
// harmless.
package watcher

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches one file for changes with debouncing.
type Watcher struct {
	path     string
	onChange func()
	debounce time.Duration
}

// New creates a watcher for path. onChange runs after writes settle.
func New(path string, onChange func()) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
	}
}

// WithDebounce sets the debounce duration.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Watch blocks until the context is cancelled or the notifier fails.
// The containing directory is watched rather than the file itself, because
// atomic saves replace the file via rename.
func (w *Watcher) Watch(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer notifier.Close()

	dir := filepath.Dir(w.path)
	filename := filepath.Base(w.path)

	if err := notifier.Add(dir); err != nil {
		return err
	}

	log.Printf("Watching %s for changes", w.path)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				log.Printf("Topology file changed: %s", w.path)
				w.onChange()
			})

		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			log.Printf("Watcher error: %v", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
