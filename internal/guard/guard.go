// Package guard provides a best-effort advisory watcher over a store's
// data directory. Concurrent access to one directory by two engine
// instances is formally undefined; this detector at least surfaces the
// most destructive symptom of it, a partition file disappearing out from
// under a running store.
package guard

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tomlinton/kvs/internal/kvserr"
)

// DirGuard watches a store directory for partition or metadata files
// disappearing out from under the running process and latches that as a
// sticky error any subsequent Store operation can surface. Removals the
// process announces ahead of time via ExpectRemoval (compaction deleting
// its own predecessors) are not treated as contention.
type DirGuard struct {
	watcher *fsnotify.Watcher
	dirname string

	mu       sync.Mutex
	tainted  error
	expected map[string]struct{}

	closed chan struct{}
	once   sync.Once
}

// Watch starts watching dirname in the background. Callers must call
// Close when the Log they're guarding is closed.
func Watch(dirname string) (*DirGuard, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, kvserr.Io("guard.Watch", err)
	}
	if err := w.Add(dirname); err != nil {
		w.Close()
		return nil, kvserr.Io("guard.Watch", err)
	}

	g := &DirGuard{
		watcher:  w,
		dirname:  dirname,
		expected: make(map[string]struct{}),
		closed:   make(chan struct{}),
	}
	go g.run()
	return g, nil
}

func (g *DirGuard) run() {
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			g.handleEvent(event)

		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("guard: watcher error", "dir", g.dirname, "error", err)

		case <-g.closed:
			return
		}
	}
}

func (g *DirGuard) handleEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if g.consumeExpected(event.Name) {
			return
		}
		g.taint(fmt.Errorf("guard: %s was removed or renamed outside this process", event.Name))
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		// Expected: this process's own appends and rotations.
	}
}

// ExpectRemoval records that path is about to be removed by this process
// itself, so the resulting event is not mistaken for external contention.
func (g *DirGuard) ExpectRemoval(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expected[filepath.Clean(path)] = struct{}{}
}

func (g *DirGuard) consumeExpected(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	clean := filepath.Clean(path)
	if _, ok := g.expected[clean]; ok {
		delete(g.expected, clean)
		return true
	}
	return false
}

func (g *DirGuard) taint(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tainted == nil {
		slog.Error("guard: directory contention detected", "dir", g.dirname, "error", err)
		g.tainted = kvserr.Io("guard", err)
	}
}

// Check returns the latched contention error, if any has been observed
// since Watch started.
func (g *DirGuard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tainted
}

// Close stops the watch goroutine. Safe to call more than once.
func (g *DirGuard) Close() error {
	g.once.Do(func() {
		close(g.closed)
		g.watcher.Close()
	})
	return nil
}
