package idle

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultActivityDebounce coalesces bursts of file events into one signal.
const DefaultActivityDebounce = 500 * time.Millisecond

// excludedDirs churn without saying anything about the agent's progress.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"__pycache__":  true,
}

// Watcher reports file activity in session working directories.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*dirWatcher
	debounce time.Duration
}

type dirWatcher struct {
	fsWatcher  *fsnotify.Watcher
	cancel     chan struct{}
	onActivity func()
}

// NewWatcher creates a Watcher. A debounce of zero means
// DefaultActivityDebounce.
func NewWatcher(debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultActivityDebounce
	}
	return &Watcher{
		watchers: make(map[string]*dirWatcher),
		debounce: debounce,
	}
}

// Watch calls onActivity, debounced, whenever something changes under dir.
// A previous watch for the same session is replaced.
func (w *Watcher) Watch(sessionID, dir string, onActivity func()) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, dir); err != nil {
		fsW.Close()
		return err
	}

	dw := &dirWatcher{
		fsWatcher:  fsW,
		cancel:     make(chan struct{}),
		onActivity: onActivity,
	}

	w.Unwatch(sessionID)
	w.mu.Lock()
	w.watchers[sessionID] = dw
	w.mu.Unlock()

	go w.loop(sessionID, dw)
	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	dw, ok := w.watchers[sessionID]
	delete(w.watchers, sessionID)
	w.mu.Unlock()

	if ok {
		close(dw.cancel)
		dw.fsWatcher.Close()
	}
}

// Close stops all watches.
func (w *Watcher) Close() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

func (w *Watcher) loop(sessionID string, dw *dirWatcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-dw.cancel:
			return

		case event, ok := <-dw.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDir(filepath.Base(event.Name)) {
					dw.fsWatcher.Add(event.Name)
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-dw.cancel:
				default:
					dw.onActivity()
				}
			})

		case err, ok := <-dw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error for session %s: %v", sessionID, err)
		}
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func skipDir(name string) bool {
	return excludedDirs[name] || (len(name) > 1 && name[0] == '.' && name != ".claude")
}
