package multigrid

import (
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/errors"
)

// watcher wakes the controller when a directory it's watching changes, so
// that new streams are registered without waiting for the next poll.
type watcher struct {
	fsw     *fsnotify.Watcher
	updates chan struct{}
	watched map[string]struct{}
}

// Mocked out for unit testing.
var newFSWatcher = fsnotify.NewWatcher

func newWatcher() (*watcher, error) {
	fsw, err := newFSWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	return &watcher{
		fsw:     fsw,
		updates: combineUpdates(fsw.Events),
		watched: map[string]struct{}{},
	}, nil
}

// watch adds any of the directories that aren't watched yet.
func (w *watcher) watch(dirs []string) {
	for _, dir := range dirs {
		if _, ok := w.watched[dir]; ok {
			continue
		}

		if err := w.fsw.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Debug("Failed to watch directory")
			continue
		}
		w.watched[dir] = struct{}{}
	}
}

func (w *watcher) Close() {
	if err := w.fsw.Close(); err != nil {
		log.WithError(err).Warn("Failed to close file watcher")
	}
}

// combineUpdates collapses bursts of events into a single wake-up. Only
// directory creations and renames can reveal a new stream.
func combineUpdates(events <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer util.HandlePanic()
		for event := range events {
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}
