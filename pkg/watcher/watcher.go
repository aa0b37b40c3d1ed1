// Package watcher reports block devices appearing in a device directory. Devices present when the
// watch starts are reported first, followed by devices added later. Events are dispatched one at a
// time: the handler runs to completion before the next event is drawn.
package watcher

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Handler is called for every added device. Returning false stops the watch.
type Handler func(ctx context.Context, name string) bool

type Watcher struct {
	log *zap.Logger
	fs  afero.Fs
	dir string
}

// New returns a watcher for dir. Existing entries are listed through fs.
func New(log *zap.Logger, fs afero.Fs, dir string) *Watcher {
	return &Watcher{
		log: log.With(zap.String("component", "watcher"), zap.String("dir", dir)),
		fs:  fs,
		dir: dir,
	}
}

// Run dispatches add events to handler until ctx is done or handler returns false. If the directory
// cannot be watched automounting is disabled for this boot: the error is logged and Run returns nil.
func (w *Watcher) Run(ctx context.Context, handler Handler) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error("unable to create watcher, automount disabled", zap.Error(err))
		return nil
	}
	defer fw.Close()
	// The watch is added before listing so no device can slip in between.
	if err := fw.Add(w.dir); err != nil {
		w.log.Error("unable to watch device directory, automount disabled", zap.Error(err))
		return nil
	}
	entries, err := afero.ReadDir(w.fs, w.dir)
	if err != nil {
		w.log.Error("unable to list device directory, automount disabled", zap.Error(err))
		return nil
	}

	// Entries listed here may also be reported by a create event queued before the listing.
	listed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		listed[e.Name()] = struct{}{}
		w.log.Debug("existing device", zap.String("name", e.Name()))
		if !handler(ctx, e.Name()) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			switch {
			case ev.Has(fsnotify.Create):
				if _, dup := listed[name]; dup {
					delete(listed, name)
					continue
				}
				w.log.Debug("device added", zap.String("name", name))
				if !handler(ctx, name) {
					return nil
				}
			case ev.Has(fsnotify.Remove):
				delete(listed, name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}
