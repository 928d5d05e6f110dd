package configsync

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"

	"clash-tray/internal/core"
)

// localWatcher watches the directory containing the local source and calls
// onChange once a burst of events on the source file has settled.
//
// The directory is watched instead of the file so that editors replacing the
// file through rename keep being observed.
type localWatcher struct {
	fsw       *fsnotify.Watcher
	name      string
	debounced func(func())
	onChange  func()
}

func newLocalWatcher(path string, window time.Duration, onChange func()) (*localWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &localWatcher{
		fsw:       fsw,
		name:      filepath.Base(path),
		debounced: debounce.New(window),
		onChange:  onChange,
	}, nil
}

func (w *localWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Chmod) {
				continue
			}
			core.Log.Debugf("Config", "Source event %s", ev.Op)
			w.debounced(w.onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			core.Log.Warnf("Config", "Watcher error: %v", err)
		}
	}
}

func (w *localWatcher) close() error {
	return w.fsw.Close()
}
