package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// WatchCore watches a shell's core directory and re-verifies the core when
// its assets appear, change or disappear. This lets an external installer
// finish while the pipeline is running. It blocks until ctx is done.
func WatchCore(ctx context.Context, s *Shell) error {
	if s.CorePath() == "" {
		return fmt.Errorf("%s backend has no core path", s.Type())
	}
	if err := os.MkdirAll(s.CorePath(), 0o755); err != nil {
		return fmt.Errorf("create core dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	wanted := coreDirs(s)
	for dir := range wanted {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("error adding dir to fsnotify watcher: %w", err)
		}
	}
	log.Debug("fsnotify watching core", "backend", s.Type(), "dir", s.CorePath())

	reverify(s)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if _, watch := wanted[event.Name]; watch {
					if err := watcher.Add(event.Name); err != nil {
						log.Debug("fsnotify add failed", "dir", event.Name, "error", err)
					}
				}
			}
			if event.Has(fsnotify.Chmod) {
				continue
			}
			log.Debug("fsnotify event", "file", event.Name, "event", event.Op)
			reverify(s)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Debug("fsnotify error", "dir", s.CorePath(), "error", err)
		}
	}
}

// coreDirs returns the core directory and every directory holding a
// required file.
func coreDirs(s *Shell) map[string]struct{} {
	dirs := map[string]struct{}{filepath.Clean(s.CorePath()): {}}
	for _, name := range s.cfg.RequiredFiles {
		dir := filepath.Clean(filepath.Dir(filepath.Join(s.CorePath(), name)))
		dirs[dir] = struct{}{}
	}
	return dirs
}

func reverify(s *Shell) {
	complete := len(s.missingCoreFiles()) == 0

	switch s.CoreState() {
	case CoreNotStarted, CoreFailed, CoreExtracting:
		if !complete {
			return
		}
	case CoreLoaded:
		if complete {
			return
		}
	default:
		return
	}

	if err := s.VerifyCore(); err != nil {
		log.Debug("core verification failed", "backend", s.Type(), "error", err)
		return
	}
	log.Info("core installed", "backend", s.Type(), "path", s.CorePath())
}
