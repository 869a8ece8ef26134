// Package watcher provides recursive file system watching with debouncing
// for hot-reload restarts.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a source tree for changes and sends coalesced
// notifications: any burst of events inside one debounce window produces
// exactly one signal.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	root       string
	debounce   time.Duration
	ignore     []string
	extensions []string
	onChange   chan struct{}
	done       chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	// Root is the directory tree to watch.
	Root string
	// DebounceDur is the quiet period required before a signal fires.
	DebounceDur time.Duration
	// Ignore lists directory names excluded from watching.
	Ignore []string
	// Extensions limits relevant files to these suffixes.
	// Empty means every file is relevant.
	Extensions []string
}

// DefaultConfig returns sensible defaults for the watcher.
func DefaultConfig(root string) Config {
	return Config{
		Root:        root,
		DebounceDur: 500 * time.Millisecond,
		Ignore:      []string{".git", ".devloop", "node_modules", "vendor"},
	}
}

// New creates a new source-tree watcher.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher:  fsw,
		root:       cfg.Root,
		debounce:   cfg.DebounceDur,
		ignore:     cfg.Ignore,
		extensions: cfg.Extensions,
		onChange:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// Start begins watching the tree rooted at Root.
// Returns a channel that receives a signal after each debounced change.
func (w *Watcher) Start() (<-chan struct{}, error) {
	if err := w.addTree(w.root); err != nil {
		return nil, err
	}

	go w.loop()

	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// addTree registers the directory and every non-ignored subdirectory.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.isIgnoredDir(d.Name()) && path != root {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("watching directory %s: %w", path, err)
		}
		return nil
	})
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if !w.isRelevantEvent(event) {
				continue
			}

			// Newly created directories join the watch set so edits
			// under them are seen
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !w.isIgnoredDir(filepath.Base(event.Name)) {
						_ = w.fsWatcher.Add(event.Name)
					}
					continue
				}
			}

			// Reset or start the debounce timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				// Non-blocking send - drop if a signal is already queued
				select {
				case w.onChange <- struct{}{}:
				default:
				}
				pending = false
			}

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Keep watching through transient errors; callers wrap the
			// watcher if they need error visibility

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks if the event should trigger a restart.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, dir := range w.ignore {
		if strings.Contains(event.Name, string(filepath.Separator)+dir+string(filepath.Separator)) {
			return false
		}
	}

	if len(w.extensions) == 0 {
		return true
	}
	// Create events for directories pass through for watch registration
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return true
		}
	}
	return slices.Contains(w.extensions, filepath.Ext(event.Name))
}

func (w *Watcher) isIgnoredDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	return slices.Contains(w.ignore, name)
}
