package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// ScratchWatcher watches the configured scratch directory for external
// removals of backing-store files (e.g. an operator clearing disk space
// under pressure), surfacing them as events that internal/lifecycle
// reports to the trace sink. Grounded on the teacher's FSNotifyWatcher
// (internal/runtime/vfs/watch_fsnotify.go), narrowed to the one signal the
// vmm core cares about instead of a general file-event API.
type ScratchWatcher struct {
	w      *fsnotify.Watcher
	events chan string
	errs   chan error
}

// WatchScratchDir starts watching dir for Remove events on backing-store
// files. Callers should Close the returned watcher on shutdown.
func WatchScratchDir(dir string) (*ScratchWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching scratch dir %s: %w", dir, err)
	}

	sw := &ScratchWatcher{
		w:      w,
		events: make(chan string, 32),
		errs:   make(chan error, 1),
	}
	go sw.loop()
	return sw, nil
}

func (sw *ScratchWatcher) loop() {
	for {
		select {
		case ev, ok := <-sw.w.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Remove != 0 {
				select {
				case sw.events <- ev.Name:
				default:
				}
			}
		case err, ok := <-sw.w.Errors:
			if !ok {
				return
			}
			select {
			case sw.errs <- err:
			default:
			}
		}
	}
}

// Removed yields the path of each backing file removed out-of-band.
func (sw *ScratchWatcher) Removed() <-chan string { return sw.events }

// Errors yields watcher errors.
func (sw *ScratchWatcher) Errors() <-chan error { return sw.errs }

// Close stops the watcher.
func (sw *ScratchWatcher) Close() error { return sw.w.Close() }
