/*
Package registry is the authoritative map of the rsync instances of every
live session. It's the only place that instance state is mutated: the API
layer calls the control operations, and the background rsync runners and
file counters report to it.

Each instance has its own lock, and every change to an instance's counters
and flags is made while holding it. Runner output is tagged with a
generation that's bumped whenever the runner is paused, restarted,
finalised or removed, so that output from a runner that's being torn down is
dropped rather than counted.

Locks are always taken in the order instance, then registry map. The map
lock is never held while waiting for an instance.
*/
package registry

import (
	"context"
	"path/filepath"
	"sort"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/config"
	"github.com/sidkik/emsync/pkg/counter"
	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/rsync"
)

// Options configures a Registry.
type Options struct {
	Store    Store
	Notifier Notifier
	Pipeline Pipeline

	// Defaults is the configuration of every instance. Registrations can
	// override the pattern.
	Defaults config.Instance
	Rsync    config.Rsync

	// ProcessingTags are the tags of instances that are submitted to the
	// pipeline when they're finalised.
	ProcessingTags []string

	SnapshotInterval time.Duration
	LivenessInterval time.Duration
	Clock            clockwork.Clock

	// NewRunner and NewCounter are overridden in tests.
	NewRunner  func(source, destination string, cfg config.Instance) Runner
	NewCounter func(source string, cfg config.Instance) Counter
}

// Registry tracks the rsync instances of all sessions.
type Registry struct {
	opts Options

	lock    goSync.Mutex
	entries map[Key]*entry
	order   []Key
}

// New creates a Registry. Nothing is loaded or started until Load or
// Register are called.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 30 * time.Second
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = 10 * time.Second
	}
	if opts.NewRunner == nil {
		opts.NewRunner = func(source, destination string, cfg config.Instance) Runner {
			return rsync.New(source, destination, rsync.Options{
				Binary:       opts.Rsync.Binary,
				Chmod:        opts.Rsync.Chmod,
				ExtraArgs:    opts.Rsync.ExtraArgs,
				PollInterval: cfg.PollInterval.Duration,
				GracePeriod:  cfg.GracePeriod.Duration,
				Clock:        opts.Clock,
			})
		}
	}
	if opts.NewCounter == nil {
		opts.NewCounter = func(source string, cfg config.Instance) Counter {
			return counter.New(source, cfg.Pattern, cfg.PollInterval.Duration, opts.Clock)
		}
	}
	return &Registry{
		opts:    opts,
		entries: map[Key]*entry{},
	}
}

// Register creates an instance for the registration, starts transferring
// and counting it, and persists it. If another instance already exists for
// the key, a DuplicateInstanceError is returned. If the transfer can't be
// started, nothing is registered.
func (r *Registry) Register(ctx context.Context, reg Registration) (Instance, error) {
	if err := validateRegistration(reg); err != nil {
		return Instance{}, err
	}

	pattern := r.opts.Defaults.Pattern
	if reg.Pattern != nil {
		pattern = *reg.Pattern
	}

	e := r.newEntry(Instance{
		SessionID:   reg.SessionID,
		Source:      filepath.Clean(reg.Source),
		Destination: filepath.Clean(reg.Destination),
		Tag:         reg.Tag,
		Pattern:     pattern,
		CreatedAt:   r.opts.Clock.Now(),
	})
	key := e.inst.Key()

	// Reserve the key before doing any I/O so that exactly one of two
	// concurrent registrations succeeds.
	e.lock.Lock()
	defer e.lock.Unlock()
	if err := r.reserve(key, e); err != nil {
		return Instance{}, err
	}

	logger := e.logger()
	if err := r.startTransfer(e); err != nil {
		r.release(e)
		logger.WithError(err).Warn("Failed to start transfer. Rolled back registration.")
		return Instance{}, errors.WithContext(err, "start transfer")
	}

	if err := r.save(ctx, e); err != nil {
		r.stopTransfer(e)
		r.release(e)
		return Instance{}, errors.WithContext(err, "save instance")
	}

	logger.Info("Registered rsync instance")
	r.notify(EventRegistered, e.inst)
	return e.inst, nil
}

func validateRegistration(reg Registration) error {
	switch {
	case reg.SessionID <= 0:
		return errors.ValidationError{Field: "session_id", Reason: "must be positive"}
	case reg.Source == "":
		return errors.ValidationError{Field: "source", Reason: "must not be empty"}
	case !filepath.IsAbs(reg.Source):
		return errors.ValidationError{Field: "source", Reason: "must be an absolute path"}
	case reg.Destination == "":
		return errors.ValidationError{Field: "destination", Reason: "must not be empty"}
	}

	if reg.Pattern != nil {
		return reg.Pattern.Validate()
	}
	return nil
}

// Pause stops transferring the instance, but keeps counting its files.
// Pausing an instance that isn't transferring is a no-op.
func (r *Registry) Pause(ctx context.Context, sessionID int64, source string) (Instance, error) {
	e, err := r.lockEntry(sessionID, source)
	if err != nil {
		return Instance{}, err
	}
	defer e.lock.Unlock()

	if !e.inst.Transferring {
		return e.inst, nil
	}

	e.generation++
	e.runner.Stop()
	e.inst.Transferring = false
	e.inst.Paused = true
	e.dirty = true

	if err := r.save(ctx, e); err != nil {
		e.logger().WithError(err).Warn("Failed to persist paused instance")
	}
	e.logger().Info("Paused rsync instance")
	r.notify(EventPaused, e.inst)
	return e.inst, nil
}

// Restart starts transferring a paused, stopped or broken instance again.
// A running transfer is stopped and started again. Counters are never
// reset.
func (r *Registry) Restart(ctx context.Context, sessionID int64, source string) (Instance, error) {
	e, err := r.lockEntry(sessionID, source)
	if err != nil {
		return Instance{}, err
	}
	defer e.lock.Unlock()

	if e.inst.Finalised {
		return Instance{}, errors.FinalisedError{SessionID: sessionID, Source: e.inst.Source}
	}

	if err := r.stopRunner(ctx, e); err != nil {
		return Instance{}, errors.WithContext(err, "stop rsync")
	}

	if err := r.startTransfer(e); err != nil {
		return Instance{}, errors.WithContext(err, "start transfer")
	}

	e.inst.Paused = false
	e.inst.Broken = false
	e.inst.Error = ""
	e.dirty = true
	if err := r.save(ctx, e); err != nil {
		e.logger().WithError(err).Warn("Failed to persist restarted instance")
	}

	e.logger().Info("Restarted rsync instance")
	r.notify(EventResumed, e.inst)
	return e.inst, nil
}

// Finalise makes sure that every file in the source has been transferred,
// and then stops the instance for good. The final pass removes the source
// files when configured to. Finalising a finalised instance returns it
// unchanged.
func (r *Registry) Finalise(ctx context.Context, sessionID int64, source string) (Instance, error) {
	e, err := r.lockEntry(sessionID, source)
	if err != nil {
		return Instance{}, err
	}
	defer e.lock.Unlock()

	if e.inst.Finalised {
		return e.inst, nil
	}

	logger := e.logger()
	if err := r.stopRunner(ctx, e); err != nil {
		return Instance{}, errors.WithContext(err, "stop rsync")
	}

	// Count before the final pass, since it may remove the source files.
	e.mergeCount(e.counter.ScanOnce())

	events, passErr := e.runner.RunOnce(ctx, rsync.PassOptions{
		RemoveSourceFiles: e.cfg.RemoveSourceFilesOnFinalise,
	})
	for _, event := range events {
		e.apply(event)
	}

	if passErr != nil {
		e.inst.Broken = true
		e.inst.Error = passErr.Error()
		if err := r.save(ctx, e); err != nil {
			logger.WithError(err).Warn("Failed to persist broken instance")
		}
		r.notify(EventBroken, e.inst)
		return Instance{}, errors.WithContext(passErr, "final rsync pass")
	}

	e.mergeCount(e.counter.ScanOnce())
	e.counter.Stop()

	e.inst.Finalised = true
	e.inst.Transferring = false
	e.inst.Paused = false
	e.inst.Broken = false
	e.inst.Error = ""
	e.dirty = true
	if err := r.save(ctx, e); err != nil {
		return Instance{}, errors.WithContext(err, "save instance")
	}

	logger.WithFields(log.Fields{
		"counted":     e.inst.FilesCounted,
		"transferred": e.inst.FilesTransferred,
	}).Info("Finalised rsync instance")
	r.notify(EventFinalised, e.inst)

	if r.opts.Pipeline != nil && r.isProcessingTag(e.inst.Tag) {
		job := Job{
			SessionID:        e.inst.SessionID,
			Source:           e.inst.Source,
			Destination:      e.inst.Destination,
			Tag:              e.inst.Tag,
			FilesTransferred: e.inst.FilesTransferred,
			FinalisedAt:      e.inst.UpdatedAt,
		}
		if err := r.opts.Pipeline.Submit(ctx, job); err != nil {
			logger.WithError(err).Warn("Failed to submit processing job")
		}
	}
	return e.inst, nil
}

func (r *Registry) isProcessingTag(tag string) bool {
	for _, t := range r.opts.ProcessingTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Remove stops the instance and forgets it. The persisted descriptor is
// deleted, unless the instance was finalised, in which case it's kept as a
// record of what was transferred.
func (r *Registry) Remove(ctx context.Context, sessionID int64, source string) error {
	e, err := r.lockEntry(sessionID, source)
	if err != nil {
		return err
	}
	defer e.lock.Unlock()

	r.stopTransfer(e)
	r.release(e)

	if !e.inst.Finalised {
		if err := r.opts.Store.DeleteInstance(ctx, sessionID, e.inst.Source); err != nil {
			return errors.WithContext(err, "delete instance")
		}
	}

	e.logger().Info("Removed rsync instance")
	r.notify(EventRemoved, e.inst)
	return nil
}

// Get returns a snapshot of an instance.
func (r *Registry) Get(sessionID int64, source string) (Instance, error) {
	e, err := r.lockEntry(sessionID, source)
	if err != nil {
		return Instance{}, err
	}
	defer e.lock.Unlock()
	return e.inst, nil
}

// GetAll returns a snapshot of every instance of the session, in the order
// they were registered.
func (r *Registry) GetAll(sessionID int64) []Instance {
	instances := []Instance{}
	for _, e := range r.sessionEntries(sessionID) {
		e.lock.Lock()
		if !e.removed {
			instances = append(instances, e.inst)
		}
		e.lock.Unlock()
	}
	return instances
}

// Sessions returns the IDs of every session with a live instance.
func (r *Registry) Sessions() []int64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	seen := map[int64]struct{}{}
	var ids []int64
	for _, key := range r.order {
		if _, ok := seen[key.SessionID]; !ok {
			seen[key.SessionID] = struct{}{}
			ids = append(ids, key.SessionID)
		}
	}
	return ids
}

// Skipped returns the files of the instance that rsync couldn't transfer
// and that haven't been transferred since.
func (r *Registry) Skipped(sessionID int64, source string) ([]errors.TransientTransferError, error) {
	e, err := r.lockEntry(sessionID, source)
	if err != nil {
		return nil, err
	}
	defer e.lock.Unlock()

	skipped := []errors.TransientTransferError{}
	for _, path := range e.skippedPaths() {
		skipped = append(skipped, e.skipped[path])
	}
	return skipped, nil
}

// FlushSkipped runs a pass over just the files that were skipped. Files that
// aren't reported as skipped again are considered transferred.
func (r *Registry) FlushSkipped(ctx context.Context, sessionID int64, source string) (Instance, error) {
	e, err := r.lockEntry(sessionID, source)
	if err != nil {
		return Instance{}, err
	}
	defer e.lock.Unlock()

	paths := e.skippedPaths()
	if len(paths) == 0 {
		return e.inst, nil
	}
	r.ensureWorkers(e)

	e.logger().WithField("files", len(paths)).Info("Flushing skipped files")
	events, err := e.runner.RunOnce(ctx, rsync.PassOptions{Files: paths})
	if err != nil {
		return Instance{}, errors.WithContext(err, "flush skipped")
	}

	stillSkipped := map[string]errors.TransientTransferError{}
	for _, event := range events {
		switch event.Type {
		case rsync.FileSkipped:
			if skipped, ok := event.Err.(errors.TransientTransferError); ok {
				stillSkipped[event.Path] = skipped
			}
		default:
			e.apply(event)
		}
	}
	e.skipped = stillSkipped
	e.inst.FilesSkipped = len(stillSkipped)
	e.dirty = true

	if err := r.save(ctx, e); err != nil {
		e.logger().WithError(err).Warn("Failed to persist flushed instance")
	}
	r.notify(EventProgress, e.inst)
	return e.inst, nil
}

// reserve adds e to the map under key, unless the key is taken.
func (r *Registry) reserve(key Key, e *entry) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.entries[key]; ok {
		return errors.DuplicateInstanceError{SessionID: key.SessionID, Source: key.Source}
	}
	r.entries[key] = e
	r.order = append(r.order, key)
	return nil
}

// release removes e from the map. The caller must hold e.lock.
func (r *Registry) release(e *entry) {
	e.removed = true
	key := e.inst.Key()

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.entries[key] != e {
		return
	}
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// lockEntry returns the entry for the key with its lock held.
func (r *Registry) lockEntry(sessionID int64, source string) (*entry, error) {
	key := Key{SessionID: sessionID, Source: filepath.Clean(source)}

	r.lock.Lock()
	e, ok := r.entries[key]
	r.lock.Unlock()
	if !ok {
		return nil, errors.NotFoundError{SessionID: sessionID, Source: source}
	}

	e.lock.Lock()
	// The entry may have been removed, or its registration rolled back,
	// while we were waiting for the lock.
	if e.removed {
		e.lock.Unlock()
		return nil, errors.NotFoundError{SessionID: sessionID, Source: source}
	}
	return e, nil
}

func (r *Registry) sessionEntries(sessionID int64) []*entry {
	r.lock.Lock()
	defer r.lock.Unlock()

	var entries []*entry
	for _, key := range r.order {
		if key.SessionID == sessionID {
			entries = append(entries, r.entries[key])
		}
	}
	return entries
}

func (r *Registry) allEntries() []*entry {
	r.lock.Lock()
	defer r.lock.Unlock()

	entries := make([]*entry, 0, len(r.order))
	for _, key := range r.order {
		entries = append(entries, r.entries[key])
	}
	return entries
}

// save persists the instance. The caller must hold e.lock.
func (r *Registry) save(ctx context.Context, e *entry) error {
	e.inst.UpdatedAt = r.opts.Clock.Now()
	if err := r.opts.Store.SaveInstance(ctx, e.inst); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

func (r *Registry) notify(eventType EventType, inst Instance) {
	if r.opts.Notifier == nil {
		return
	}
	r.opts.Notifier.Notify(Event{
		SessionID: inst.SessionID,
		Type:      eventType,
		Payload:   inst,
		Time:      r.opts.Clock.Now(),
	})
}

func (e *entry) skippedPaths() []string {
	paths := make([]string, 0, len(e.skipped))
	for path := range e.skipped {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
