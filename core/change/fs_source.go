package change

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/ellsmere/lattice/core/unit"
)

var (
	ErrRootNotExist     = errors.New("watch root does not exist")
	ErrRootNotDirectory = errors.New("watch root is not a directory")
	ErrInvalidPattern   = errors.New("invalid exclude pattern")
)

// FSSource watches a directory tree and feeds raw events into the
// detector, which owns journaling and debouncing. Unit ids are paths
// relative to the watch root.
//
// fsnotify cannot pair a rename's old and new names, so renames fail
// closed: the vanished path becomes a delete and the new path surfaces
// as an independent create.
type FSSource struct {
	root     string
	watcher  *fsnotify.Watcher
	excludes []glob.Glob
	detector *Detector
	logger   *slog.Logger

	stopOnce sync.Once
}

// NewFSSource creates a filesystem source rooted at root. Exclude
// patterns match against the root-relative path and the base name.
func NewFSSource(root string, excludePatterns []string, detector *Detector, logger *slog.Logger) (*FSSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRootNotExist
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrRootNotDirectory
	}

	excludes := make([]glob.Glob, 0, len(excludePatterns))
	for _, pattern := range excludePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		excludes = append(excludes, g)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	s := &FSSource{
		root:     root,
		watcher:  watcher,
		excludes: excludes,
		detector: detector,
		logger:   logger,
	}
	if err := s.watchRecursive(root); err != nil {
		watcher.Close()
		return nil, err
	}
	return s, nil
}

// Run pumps watcher events into the detector until the context is
// cancelled or the source is closed.
func (s *FSSource) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (s *FSSource) handle(ev fsnotify.Event) {
	if s.excluded(ev.Name) {
		return
	}

	// New directories must be added to the watch before their contents
	// start changing.
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := s.watchRecursive(ev.Name); err != nil {
				s.logger.Warn("watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}

	kind, ok := mapFSOp(ev.Op)
	if !ok {
		return
	}
	id, err := s.unitID(ev.Name)
	if err != nil {
		return
	}
	if err := s.detector.Observe(Event{Unit: id, Kind: kind, Source: SourceWatcher, Time: time.Now()}); err != nil {
		if !errors.Is(err, ErrDetectorClosed) {
			s.logger.Error("observe filesystem event", "unit", id, "error", err)
		}
	}
}

// mapFSOp converts an fsnotify op to an event kind. Chmod carries no
// content change and is dropped.
func mapFSOp(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return KindAdd, true
	case op.Has(fsnotify.Write):
		return KindModify, true
	case op.Has(fsnotify.Remove):
		return KindDelete, true
	case op.Has(fsnotify.Rename):
		// The old name is gone; the destination arrives as its own
		// create event.
		return KindDelete, true
	default:
		return 0, false
	}
}

func (s *FSSource) unitID(path string) (unit.ID, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	return unit.ID(filepath.ToSlash(rel)), nil
}

func (s *FSSource) watchRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != s.root && s.excluded(path) {
			return filepath.SkipDir
		}
		return s.watcher.Add(path)
	})
}

func (s *FSSource) excluded(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(path)
	for _, g := range s.excludes {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

// Close stops the watcher; a running Run loop exits once the event
// channel drains.
func (s *FSSource) Close() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.watcher.Close()
	})
	return err
}
