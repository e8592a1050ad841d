package worktree

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Tracker watches a project directory and records which relative paths were
// touched since the last Reset. The snapshot service can limit re-reads to
// the dirty set when capturing consecutive turns.
type Tracker struct {
	root    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	mu      sync.Mutex
	dirty   map[string]struct{}
	started bool
	closed  bool
}

// NewTracker creates a Tracker for root, watching the directory and all its
// subdirectories except .git.
func NewTracker(root string) (*Tracker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	t := &Tracker{
		root:    root,
		watcher: watcher,
		done:    make(chan struct{}),
		dirty:   make(map[string]struct{}),
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	return t, nil
}

// Start begins consuming file system events.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("tracker is closed")
	}
	if t.started {
		return nil
	}
	t.started = true

	go t.loop()
	return nil
}

func (t *Tracker) loop() {
	for {
		select {
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handle(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("worktree watcher error")
		}
	}
}

func (t *Tracker) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(t.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// New directories must be added to the watch set; fsnotify does not
	// recurse on its own.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Base(event.Name) != ".git" {
				_ = t.watcher.Add(event.Name)
			}
			return
		}
	}

	t.mu.Lock()
	t.dirty[rel] = struct{}{}
	t.mu.Unlock()
}

// Dirty returns the relative paths touched since the last Reset.
func (t *Tracker) Dirty() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.dirty))
	for p := range t.dirty {
		paths = append(paths, p)
	}
	return paths
}

// Reset clears the dirty set, typically right after a capture.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = make(map[string]struct{})
}

// Close stops the tracker and releases the underlying watcher.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return t.watcher.Close()
}
