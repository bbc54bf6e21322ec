// Package watcher re-ingests a project when its files change on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/ingest"
)

const defaultDebounce = 500 * time.Millisecond

var skipDirs = []string{
	"node_modules", "vendor", "dist", "build", "out", "target",
	"bin", "obj", ".git", ".idea", ".vscode", "__pycache__",
	"coverage", ".nyc_output",
}

// Trigger starts an ingestion of root. When one is already running for root it
// returns errs.ErrAlreadyInProgress and a channel that is closed when that job ends.
type Trigger func(root string) (busy <-chan struct{}, err error)

// CoordinatorTrigger starts ingestions through c.
func CoordinatorTrigger(c *ingest.Coordinator) Trigger {
	return func(root string) (<-chan struct{}, error) {
		_, err := c.Start(root)
		if !errors.Is(err, errs.ErrAlreadyInProgress) {
			return nil, err
		}
		job, jerr := c.Job(root)
		if jerr != nil {
			// Finished between Start and Job; nothing to wait for.
			done := make(chan struct{})
			close(done)
			return done, err
		}
		return job.Done(), err
	}
}

// Watcher watches a directory tree and triggers an ingestion once changes settle.
type Watcher struct {
	root         string
	trigger      Trigger
	debounceTime time.Duration
	maxFileSize  int64

	// callback for status updates
	onEvent func(event string, path string)
}

// Option configures the watcher.
type Option func(*Watcher)

// WithDebounceTime sets how long the tree must be quiet before re-ingesting.
func WithDebounceTime(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounceTime = d
	}
}

// WithEventCallback sets a callback for file and ingestion events.
// Events are "change", "ingest" and "busy".
func WithEventCallback(fn func(event string, path string)) Option {
	return func(w *Watcher) {
		w.onEvent = fn
	}
}

// WithMaxFileSize ignores changes to files larger than n bytes.
func WithMaxFileSize(n int64) Option {
	return func(w *Watcher) {
		w.maxFileSize = n
	}
}

// New creates a watcher for root.
func New(root string, trigger Trigger, opts ...Option) (*Watcher, error) {
	absRoot, err := ingest.NormalizePath(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", errs.ErrIO, absRoot)
	}

	w := &Watcher{
		root:         absRoot,
		trigger:      trigger,
		debounceTime: defaultDebounce,
		onEvent:      func(string, string) {}, // noop default
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Root returns the watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Start watches until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addDirectories(watcher); err != nil {
		return err
	}

	log.Info("Watching for file changes", "root", w.root)

	timer := time.NewTimer(w.debounceTime)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var (
		pending bool
		busy    <-chan struct{}
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if w.handleEvent(event, watcher) {
				pending = true
				timer.Reset(w.debounceTime)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Watcher error", "error", err)

		case <-timer.C:
			if pending && busy == nil {
				busy = w.fire()
				pending = busy != nil
			}

		case <-busy:
			// Changes seen while the previous job ran were not in its scan.
			busy = nil
			if pending {
				busy = w.fire()
				pending = busy != nil
			}
		}
	}
}

// fire starts an ingestion. When the root is busy it returns the running job's
// done channel so the caller can retry after it.
func (w *Watcher) fire() <-chan struct{} {
	busy, err := w.trigger(w.root)
	switch {
	case err == nil:
		w.onEvent("ingest", w.root)
		log.Info("Re-ingesting after changes", "root", w.root)
		return nil
	case errors.Is(err, errs.ErrAlreadyInProgress):
		w.onEvent("busy", w.root)
		log.Debug("Ingestion already running, retrying when it finishes", "root", w.root)
		return busy
	default:
		log.Error("Failed to start ingestion", "root", w.root, "error", err)
		return nil
	}
}

// addDirectories recursively adds all directories to the watcher.
func (w *Watcher) addDirectories(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && shouldSkipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			log.Debug("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func shouldSkipDir(name string) bool {
	return strings.HasPrefix(name, ".") || slices.Contains(skipDirs, name)
}

// handleEvent reports whether event is a change worth re-ingesting for.
func (w *Watcher) handleEvent(event fsnotify.Event, watcher *fsnotify.Watcher) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	path := event.Name
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}

	relPath, err := filepath.Rel(w.root, path)
	if err != nil {
		relPath = path
	}
	for _, part := range strings.Split(filepath.Dir(relPath), string(filepath.Separator)) {
		if part != "." && shouldSkipDir(part) {
			return false
		}
	}

	info, statErr := os.Stat(path)
	if statErr == nil && info.IsDir() {
		if event.Has(fsnotify.Create) && !shouldSkipDir(name) {
			if err := watcher.Add(path); err != nil {
				log.Debug("Failed to watch directory", "path", relPath, "error", err)
			} else {
				log.Debug("Added directory to watch", "path", relPath)
			}
			return true
		}
		return false
	}
	if statErr == nil && w.maxFileSize > 0 && info.Size() > w.maxFileSize {
		return false
	}

	w.onEvent("change", relPath)
	log.Debug("File changed", "file", relPath, "op", event.Op.String())
	return true
}
