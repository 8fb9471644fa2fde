package registry

import (
	"context"
	"fmt"
	goSync "sync"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/config"
	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/rsync"
)

// entry is the live state of an instance. All fields are protected by lock.
type entry struct {
	lock goSync.Mutex

	inst    Instance
	cfg     config.Instance
	skipped map[string]errors.TransientTransferError

	runner  Runner
	counter Counter

	// generation is bumped whenever the current runner's output should no
	// longer be counted.
	generation uint64

	// dirty is set when the instance changed since it was last persisted.
	dirty bool

	// passChanged is set when a transfer was counted during the current
	// pass, so that a progress event is sent when the pass completes.
	passChanged bool

	// removed is set once the entry is no longer in the registry map.
	removed bool
}

func (r *Registry) newEntry(inst Instance) *entry {
	cfg := r.opts.Defaults
	if !inst.Pattern.IsEmpty() {
		cfg.Pattern = inst.Pattern
	}
	return &entry{
		inst:    inst,
		cfg:     cfg,
		skipped: map[string]errors.TransientTransferError{},
	}
}

// ensureWorkers creates the runner and counter of the entry. Neither is
// started. The caller must hold e.lock.
func (r *Registry) ensureWorkers(e *entry) {
	if e.runner == nil {
		e.runner = r.opts.NewRunner(e.inst.Source, e.inst.Destination, e.cfg)
	}
	if e.counter == nil {
		e.counter = r.opts.NewCounter(e.inst.Source, e.cfg)
	}
}

func (e *entry) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"session": e.inst.SessionID,
		"source":  e.inst.Source,
		"tag":     e.inst.Tag,
	})
}

// startTransfer starts the runner, and the counter if it isn't already
// running. The caller must hold e.lock.
func (r *Registry) startTransfer(e *entry) error {
	r.ensureWorkers(e)

	events, err := e.runner.Start()
	if err != nil {
		return err
	}

	e.generation++
	e.passChanged = false
	e.inst.Transferring = true
	go func(gen uint64) {
		defer util.HandlePanic()
		for event := range events {
			r.handleRunnerEvent(e, gen, event)
		}
	}(e.generation)

	if !e.counter.IsRunning() {
		if updates := e.counter.Start(); updates != nil {
			go func() {
				defer util.HandlePanic()
				for count := range updates {
					r.handleCount(e, count)
				}
			}()
		}
	}
	return nil
}

// stopRunner stops the runner and waits for it to exit. Output that's still
// in flight is dropped, even for files rsync had already copied. The caller must hold e.lock.
func (r *Registry) stopRunner(ctx context.Context, e *entry) error {
	r.ensureWorkers(e)
	e.generation++
	e.inst.Transferring = false
	e.runner.Stop()
	return e.runner.Wait(ctx)
}

// stopTransfer stops both the runner and the counter without waiting for
// rsync to exit. The caller must hold e.lock.
func (r *Registry) stopTransfer(e *entry) {
	r.ensureWorkers(e)
	e.generation++
	e.inst.Transferring = false
	e.runner.Stop()
	e.counter.Stop()
}

func (r *Registry) handleRunnerEvent(e *entry, gen uint64, event rsync.Event) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.removed || e.generation != gen {
		return
	}

	switch event.Type {
	case rsync.FileTransferred, rsync.FileSkipped:
		e.apply(event)
		if event.Type == rsync.FileSkipped {
			r.maybeEscalate(e)
		}
	case rsync.PassComplete:
		if e.passChanged {
			e.passChanged = false
			r.notify(EventProgress, e.inst)
		}
	case rsync.Exited:
		r.markBroken(e, event.Err)
	}
}

// apply records a transfer or skip. The caller must hold e.lock.
func (e *entry) apply(event rsync.Event) {
	switch event.Type {
	case rsync.FileTransferred:
		e.inst.FilesTransferred++
		e.inst.BytesTransferred += event.Size
		delete(e.skipped, event.Path)
	case rsync.FileSkipped:
		skipped, ok := event.Err.(errors.TransientTransferError)
		if !ok {
			skipped = errors.TransientTransferError{Path: event.Path, Reason: fmt.Sprint(event.Err)}
		}
		e.skipped[event.Path] = skipped
		e.logger().WithField("path", event.Path).Debug(skipped.Error())
	default:
		return
	}
	e.inst.FilesSkipped = len(e.skipped)
	e.dirty = true
	e.passChanged = true
}

// maybeEscalate treats the instance as broken once too many files are
// skipped. The caller must hold e.lock.
func (r *Registry) maybeEscalate(e *entry) {
	threshold := e.cfg.SkippedEscalationThreshold
	if threshold <= 0 || len(e.skipped) < threshold {
		return
	}

	e.generation++
	e.runner.Stop()
	r.markBroken(e, errors.ProcessFailure{
		ExitCode: -1,
		Stderr: fmt.Sprintf("%d files couldn't be transferred (threshold %d)",
			len(e.skipped), threshold),
	})
}

// markBroken records that the transfer failed. The caller must hold e.lock.
func (r *Registry) markBroken(e *entry, cause error) {
	alreadyBroken := e.inst.Broken

	e.inst.Transferring = false
	e.inst.Broken = true
	if cause != nil {
		e.inst.Error = cause.Error()
	}
	e.dirty = true

	if alreadyBroken {
		return
	}

	e.logger().WithError(cause).Warn("rsync instance is broken. It must be restarted.")
	if err := r.save(context.Background(), e); err != nil {
		e.logger().WithError(err).Warn("Failed to persist broken instance")
	}
	r.notify(EventBroken, e.inst)
}

func (r *Registry) handleCount(e *entry, count int64) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.removed {
		return
	}
	if e.mergeCount(count) {
		r.notify(EventProgress, e.inst)
	}
}

// mergeCount raises the counted files to count, and returns whether it
// changed. The caller must hold e.lock.
func (e *entry) mergeCount(count int64) bool {
	if count <= e.inst.FilesCounted {
		return false
	}
	e.inst.FilesCounted = count
	e.dirty = true
	return true
}
