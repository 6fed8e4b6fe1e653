package transcript

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback is called when a chat's transcript file changes.
type UpdateCallback func(chatID string)

// Watcher monitors transcript files, one per chat.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*chatWatcher // chatID → watcher
	callback UpdateCallback
}

type chatWatcher struct {
	chatID    string
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates a transcript watcher.
func New(callback UpdateCallback) *Watcher {
	return &Watcher{
		watchers: make(map[string]*chatWatcher),
		callback: callback,
	}
}

// Watch starts watching the transcript file for a chat. The file itself may
// not exist yet, so the containing directory is watched and events are
// filtered by name.
func (w *Watcher) Watch(chatID, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return err
	}

	cw := &chatWatcher{
		chatID:    chatID,
		path:      filepath.Clean(path),
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}

	w.mu.Lock()
	if old, ok := w.watchers[chatID]; ok {
		close(old.cancel)
		old.fsWatcher.Close()
	}
	w.watchers[chatID] = cw
	w.mu.Unlock()

	go w.watchLoop(cw)
	return nil
}

// Unwatch stops watching a chat's transcript.
func (w *Watcher) Unwatch(chatID string) {
	w.mu.Lock()
	cw, ok := w.watchers[chatID]
	if ok {
		delete(w.watchers, chatID)
	}
	w.mu.Unlock()

	if ok {
		close(cw.cancel)
		cw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(cw *chatWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-cw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-cw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				if w.callback != nil {
					w.callback(cw.chatID)
				}
			})

		case err, ok := <-cw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("transcript watcher error for chat %s: %v", cw.chatID, err)
		}
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
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
