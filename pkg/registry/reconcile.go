package registry

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/emsync/pkg/errors"
)

// Load adds every persisted instance that isn't finalised to the registry.
// Nothing is started: the sources and destinations may no longer be
// reachable, so loaded instances are paused until they're restarted.
func (r *Registry) Load(ctx context.Context) error {
	instances, err := r.opts.Store.LoadActiveInstances(ctx)
	if err != nil {
		return errors.WithContext(err, "load instances")
	}

	loaded := r.adopt(ctx, instances)
	log.WithField("instances", loaded).Info("Loaded persisted rsync instances")
	return nil
}

// AttachSession loads the persisted instances of the session that aren't in
// the registry, e.g. because the session was stopped, and returns every
// instance of the session.
func (r *Registry) AttachSession(ctx context.Context, sessionID int64) ([]Instance, error) {
	instances, err := r.opts.Store.LoadInstances(ctx, sessionID)
	if err != nil {
		return nil, errors.WithContext(err, "load instances")
	}

	var active []Instance
	for _, inst := range instances {
		if !inst.Finalised {
			active = append(active, inst)
		}
	}

	if loaded := r.adopt(ctx, active); loaded > 0 {
		log.WithFields(log.Fields{
			"session":   sessionID,
			"instances": loaded,
		}).Info("Reattached session")
	}
	return r.GetAll(sessionID), nil
}

// adopt adds the instances as paused entries, skipping keys that are already
// live. It returns how many were added.
func (r *Registry) adopt(ctx context.Context, instances []Instance) (loaded int) {
	for _, inst := range instances {
		inst.Transferring = false
		if !inst.Broken {
			inst.Paused = true
		}

		e := r.newEntry(inst)
		e.lock.Lock()
		if err := r.reserve(inst.Key(), e); err != nil {
			e.lock.Unlock()
			continue
		}

		if err := r.save(ctx, e); err != nil {
			e.logger().WithError(err).Warn("Failed to persist loaded instance")
		}
		e.lock.Unlock()
		loaded++
	}
	return loaded
}

// StopSession stops every instance of the session and removes them from the
// registry. Their descriptors are persisted, so that the session can be
// reattached later.
func (r *Registry) StopSession(ctx context.Context, sessionID int64) error {
	var errs []error
	for _, e := range r.sessionEntries(sessionID) {
		e.lock.Lock()
		if e.removed {
			e.lock.Unlock()
			continue
		}

		r.stopTransfer(e)
		if !e.inst.Finalised && !e.inst.Broken {
			e.inst.Paused = true
		}
		if err := r.save(ctx, e); err != nil {
			errs = append(errs, err)
		}
		r.release(e)
		r.notify(EventRemoved, e.inst)
		e.lock.Unlock()
	}

	if len(errs) != 0 {
		return errors.WithContext(errs[0], "save instance")
	}
	return nil
}

// CheckLiveness marks instances that should be transferring, but whose
// runner has exited, as broken. It returns the keys that were marked.
func (r *Registry) CheckLiveness() []Key {
	var broken []Key
	for _, e := range r.allEntries() {
		e.lock.Lock()
		if !e.removed && e.inst.Transferring && e.runner != nil && !e.runner.IsAlive() {
			r.markBroken(e, errors.New("rsync stopped unexpectedly"))
			broken = append(broken, e.inst.Key())
		}
		e.lock.Unlock()
	}
	return broken
}

// Snapshot persists every instance that changed since it was last persisted.
func (r *Registry) Snapshot(ctx context.Context) error {
	var firstErr error
	for _, e := range r.allEntries() {
		e.lock.Lock()
		if !e.removed && e.dirty {
			if err := r.save(ctx, e); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		e.lock.Unlock()
	}
	return firstErr
}

// Serve probes runner liveness and persists changed counters until ctx is
// cancelled. It implements suture.Service.
func (r *Registry) Serve(ctx context.Context) error {
	liveness := r.opts.Clock.NewTicker(r.opts.LivenessInterval)
	defer liveness.Stop()
	snapshot := r.opts.Clock.NewTicker(r.opts.SnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-liveness.Chan():
			for _, key := range r.CheckLiveness() {
				log.WithFields(log.Fields{
					"session": key.SessionID,
					"source":  key.Source,
				}).Warn("rsync runner died")
			}
		case <-snapshot.Chan():
			if err := r.Snapshot(ctx); err != nil {
				log.WithError(err).Warn("Failed to snapshot rsync instances. " +
					"Will retry.")
			}
		}
	}
}

func (r *Registry) String() string {
	return "rsync registry"
}

// Shutdown stops every runner and counter, and persists the final state of
// every instance.
func (r *Registry) Shutdown(ctx context.Context) error {
	var group errgroup.Group
	for _, e := range r.allEntries() {
		e := e
		group.Go(func() error {
			e.lock.Lock()
			defer e.lock.Unlock()

			if e.removed {
				return nil
			}

			// The runners are stopped without marking the instances as
			// paused, so that whether they were transferring is persisted.
			transferring := e.inst.Transferring
			if e.runner != nil {
				e.generation++
				e.runner.Stop()
				if err := e.runner.Wait(ctx); err != nil {
					e.logger().WithError(err).Warn("rsync didn't exit before shutdown")
				}
			}
			if e.counter != nil {
				e.counter.Stop()
			}
			e.inst.Transferring = transferring
			return errors.WithContext(r.save(ctx, e), "save instance")
		})
	}
	return group.Wait()
}
