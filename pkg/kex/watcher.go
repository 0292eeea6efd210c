package kex

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// ModuliWatcher keeps a Moduli table in sync with a moduli file on disk. The
// directory containing the file is watched so that editors and package
// managers that replace the file by renaming are noticed. A file that fails to
// parse, or holds no usable candidates, leaves the previous table in place.
type ModuliWatcher struct {
	*asyncobj.Helper
	path    string
	moduli  *Moduli
	watcher *fsnotify.Watcher
	reloads chan struct{}
}

// NewModuliWatcher loads path into a new Moduli table and starts watching it
// for changes
func NewModuliWatcher(log logger.Logger, path string) (*ModuliWatcher, error) {
	candidates, err := LoadModuliFile(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("moduli watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("moduli watcher: %w", err)
	}
	w := &ModuliWatcher{
		path:    filepath.Clean(path),
		moduli:  NewModuli(candidates),
		watcher: fw,
		reloads: make(chan struct{}, 1),
	}
	w.Helper = asyncobj.NewHelper(log.ForkLogStr("ModuliWatcher"), w)
	w.SetIsActivated()
	w.ILogf("Loaded %d group exchange candidates from %s", len(candidates), path)
	go w.run()
	return w, nil
}

// Moduli returns the live table
func (w *ModuliWatcher) Moduli() *Moduli {
	return w.moduli
}

// Reloaded returns a chan that receives a value after each successful reload
func (w *ModuliWatcher) Reloaded() <-chan struct{} {
	return w.reloads
}

func (w *ModuliWatcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.WLogErrorf("moduli watch error: %s", err)
		}
	}
}

func (w *ModuliWatcher) reload() {
	candidates, err := LoadModuliFile(w.path)
	if err != nil {
		w.WLogErrorf("Keeping previous moduli table: %s", err)
		return
	}
	if len(candidates) == 0 {
		// usually a truncate that will be followed by the real write
		w.DLogf("Ignoring empty moduli file")
		return
	}
	w.moduli.Set(candidates)
	w.DLogf("Reloaded %d group exchange candidates", len(candidates))
	select {
	case w.reloads <- struct{}{}:
	default:
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It stops
// the file watch.
func (w *ModuliWatcher) HandleOnceShutdown(completionError error) error {
	err := w.watcher.Close()
	if completionError == nil {
		completionError = err
	}
	return completionError
}
