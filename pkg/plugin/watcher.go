package plugin

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher watches plugin directories for manifest changes and reports the
// affected paths after a debounce window.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(paths []string)
	debounce time.Duration

	mu     sync.Mutex
	dirty  map[string]struct{}
	timer  *time.Timer
	stopCh chan struct{}
}

// NewWatcher creates a watcher. onChange receives the debounced set of
// changed manifest paths; a reported path may no longer exist when the
// manifest was removed.
func NewWatcher(logger zerolog.Logger, onChange func(paths []string)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  watcher,
		logger:   logger.With().Str("component", "plugin-watcher").Logger(),
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		dirty:    make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Watch starts watching a plugin directory and its immediate
// subdirectories, where per-plugin manifests live.
func (w *Watcher) Watch(dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if err := w.watcher.Add(sub); err != nil {
			w.logger.Warn().Err(err).Str("dir", sub).Msg("Failed to watch plugin directory")
		}
	}
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

// run processes file system events.
func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// A new subdirectory may be a plugin being installed.
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}

			if !isManifestPath(event.Name) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Manifest change detected")

				w.markDirty(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Plugin watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// markDirty records a changed path and restarts the debounce timer.
func (w *Watcher) markDirty(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dirty[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// flush hands the accumulated set of changed paths to the callback.
func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.dirty))
	for path := range w.dirty {
		paths = append(paths, path)
	}
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	w.onChange(paths)
}

func isManifestPath(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return base == manifestFileName || strings.HasSuffix(base, ".manifest.json")
}
