package docsource

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/lci/internal/debug"
)

// FSOptions configures an FSSource.
type FSOptions struct {
	// Root is the directory tree to watch, recursively.
	Root string
	// Include is a set of doublestar glob patterns; a path must match
	// at least one to be surfaced. An empty Include matches everything.
	Include []string
	// Exclude is a set of doublestar glob patterns for paths (files or
	// directories) to never surface or descend into.
	Exclude []string
	// DebounceMs coalesces a burst of writes to the same path into a
	// single event. Zero uses a 300ms default.
	DebounceMs int
}

// FSSource is the reference DocumentSource: it watches a directory
// tree with fsnotify and reports file creation/write as Open, removal
// as Close. Renames are reported as Close of the old path only — the
// corresponding new path surfaces later as its own Create, since
// fsnotify does not reliably pair rename halves across platforms.
type FSSource struct {
	opts     FSOptions
	watcher  *fsnotify.Watcher
	events   chan Event
	ctx      chan struct{} // closed by Close to signal shutdown
	closeOne sync.Once
	wg       sync.WaitGroup

	debounce time.Duration
	debMu    sync.Mutex
	debTimer *time.Timer
	pending  map[string]fsnotify.Op
}

// NewFSSource creates a watcher rooted at opts.Root and begins walking
// it for initial watches. The watcher goroutine is started here, so
// events arrive on Events() right after construction.
func NewFSSource(opts FSOptions) (*FSSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounceMs := opts.DebounceMs
	if debounceMs <= 0 {
		debounceMs = 300
	}

	s := &FSSource{
		opts:     opts,
		watcher:  w,
		events:   make(chan Event, 64),
		ctx:      make(chan struct{}),
		debounce: time.Duration(debounceMs) * time.Millisecond,
		pending:  make(map[string]fsnotify.Op),
	}

	if err := s.addWatches(opts.Root); err != nil {
		w.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.processEvents()

	return s, nil
}

// Events implements DocumentSource.
func (s *FSSource) Events() <-chan Event { return s.events }

// Close stops the watcher and waits for its goroutine to exit.
func (s *FSSource) Close() error {
	var err error
	s.closeOne.Do(func() {
		close(s.ctx)
		err = s.watcher.Close()
		s.wg.Wait()
		close(s.events)
	})
	return err
}

func (s *FSSource) addWatches(root string) error {
	visited := make(map[string]bool)

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}

		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if visited[real] {
			return filepath.SkipDir
		}
		visited[real] = true

		if s.shouldIgnoreDir(path) {
			return filepath.SkipDir
		}

		if err := s.watcher.Add(path); err != nil {
			debug.LogDocSource("failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (s *FSSource) shouldIgnoreDir(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range s.opts.Exclude {
		if matched, _ := doublestar.Match(pattern, base); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, path); matched {
			return true
		}
	}
	return false
}

func (s *FSSource) shouldProcess(path string) bool {
	for _, pattern := range s.opts.Exclude {
		if matched, _ := doublestar.Match(pattern, path); matched {
			return false
		}
	}
	if len(s.opts.Include) == 0 {
		return true
	}
	for _, pattern := range s.opts.Include {
		if matched, _ := doublestar.Match(pattern, path); matched {
			return true
		}
		if rel, err := filepath.Rel(s.opts.Root, path); err == nil {
			if matched, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); matched {
				return true
			}
		}
	}
	return false
}

func (s *FSSource) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFSEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			debug.LogDocSource("watcher error: %v", err)
		}
	}
}

func (s *FSSource) handleFSEvent(ev fsnotify.Event) {
	path := ev.Name

	info, statErr := os.Stat(path)
	if statErr != nil {
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			if s.shouldProcess(path) {
				s.addEvent(path, fsnotify.Remove)
			}
		}
		return
	}

	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 && !s.shouldIgnoreDir(path) {
			if err := s.watcher.Add(path); err != nil {
				debug.LogDocSource("failed to watch new directory %s: %v", path, err)
			}
		}
		return
	}

	if !s.shouldProcess(path) {
		return
	}

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		s.addEvent(path, fsnotify.Write)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.addEvent(path, fsnotify.Remove)
	}
}

func (s *FSSource) addEvent(path string, op fsnotify.Op) {
	s.debMu.Lock()
	defer s.debMu.Unlock()

	s.pending[path] = op
	if s.debTimer != nil {
		s.debTimer.Stop()
	}
	s.debTimer = time.AfterFunc(s.debounce, s.flush)
}

func (s *FSSource) flush() {
	s.debMu.Lock()
	batch := s.pending
	s.pending = make(map[string]fsnotify.Op)
	s.debMu.Unlock()

	for path, op := range batch {
		switch op {
		case fsnotify.Write:
			text, err := os.ReadFile(path)
			if err != nil {
				debug.LogDocSource("open event for %s dropped: %v", path, err)
				continue
			}
			s.emit(Event{Kind: EventOpen, URL: cleanURL(path), Text: string(text)})
		case fsnotify.Remove:
			s.emit(Event{Kind: EventClose, URL: cleanURL(path)})
		}
	}
}

func (s *FSSource) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx:
	}
}

// cleanURL normalizes a filesystem path the way spec'd URLs require:
// absolute, with redundant "." and ".." segments removed.
func cleanURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return filepath.Clean(abs)
}
