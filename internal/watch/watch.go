// Package watch supplements a feature present in the reference converter
// example but dropped from the distilled core contract: rather than only
// accepting a fixed file list from argv, it watches one or more
// directories and feeds every new matching file to a callback as it
// settles, so a long-running process can ingest files dropped in over
// time.
//
// Grounded on the teacher's internal/daemon.Daemon — its
// fsnotify.Watcher field, addWatchDir/watchFiles/handleFileEvent split,
// and its Create/Write event-op switch — generalized from a single
// daemon-wide watcher into a standalone component its caller owns
// directly. No command in this repository constructs one.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arx-os/pointstore/pkg/ptlog"
)

// Watcher watches a set of directories for new regular files matching a
// glob, debouncing each path by quietPeriod so a file is only handed to
// OnFile once writes to it have stopped — a partially-copied file is
// never picked up mid-copy.
type Watcher struct {
	fsw         *fsnotify.Watcher
	glob        string
	quietPeriod time.Duration
	onFile      func(path string) error
	log         *ptlog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending sync.WaitGroup
}

// New creates a Watcher. glob is matched against each event's base name
// (filepath.Match semantics, e.g. "*.ply"); onFile is called once per
// settled file, from an arbitrary goroutine.
func New(glob string, quietPeriod time.Duration, onFile func(path string) error, log *ptlog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:         fsw,
		glob:        glob,
		quietPeriod: quietPeriod,
		onFile:      onFile,
		log:         log,
		timers:      make(map[string]*time.Timer),
	}, nil
}

// AddDir registers dir for watching. Not recursive, matching the
// teacher's addWatchDir default (its subdirectory walk is present but
// deliberately left as a no-op there too).
func (w *Watcher) AddDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch: directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch: not a directory: %s", dir)
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch: add directory: %w", err)
	}
	w.log.Info("watching directory %s for %s", dir, w.glob)
	return nil
}

// Run drives the watch loop until ctx is cancelled or Close is called.
// It blocks; call it from its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.pending.Wait()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				w.pending.Wait()
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			w.log.Error("watch: fsnotify error: %v", err)
		}
	}
}

// Close stops the underlying fsnotify watcher, which in turn unblocks
// Run's event loop.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	matched, err := filepath.Match(w.glob, filepath.Base(event.Name))
	if err != nil || !matched {
		return
	}
	w.debounce(event.Name)
}

// debounce resets a per-path quiet timer on every Create/Write for that
// path; the callback fires only once the timer finally elapses
// undisturbed, matching the documented "new regular file ... debounced
// by a short quiet period" contract.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, exists := w.timers[path]; exists {
		if t.Stop() {
			w.pending.Done() // the stopped callback will never run
		}
	}
	w.pending.Add(1)
	w.timers[path] = time.AfterFunc(w.quietPeriod, func() {
		defer w.pending.Done()
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return
		}
		if err := w.onFile(path); err != nil {
			w.log.Error("watch: callback failed for %s: %v", path, err)
		}
	})
}
