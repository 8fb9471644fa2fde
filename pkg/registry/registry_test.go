package registry_test

import (
	"context"
	goSync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/emsync/pkg/config"
	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
	"github.com/sidkik/emsync/pkg/rsync"
	"github.com/sidkik/emsync/pkg/store/mem"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var defaultInstance = config.Instance{
	Pattern: config.Pattern{Extensions: []string{"tiff", "eer"}},
}

func gridRegistration(sessionID int64, source string) registry.Registration {
	return registry.Registration{
		SessionID:   sessionID,
		Source:      source,
		Destination: "/dls/m12/data" + source,
		Tag:         "fractions",
	}
}

// deliver sends the events followed by a sentinel. The sentinel is only
// received once the registry has finished handling every earlier event.
func deliver(t *testing.T, runner *fakeRunner, events ...rsync.Event) {
	runner.send(t, events...)
	runner.send(t, rsync.Event{Type: rsync.PassComplete})
}

func TestRegisterCountsAndTransfers(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	inst, err := tr.Register(ctx, gridRegistration(42, "/data/grid1"))
	require.NoError(t, err)
	assert.True(t, inst.Transferring)
	assert.Equal(t, registry.StatusTransferring, inst.Status())
	assert.Equal(t, defaultInstance.Pattern, inst.Pattern)

	tr.counter(t, "/data/grid1").set(t, 10)
	deliver(t, tr.runner(t, "/data/grid1"),
		transferred("a.tiff", "b.tiff", "c.tiff", "d.tiff", "e.tiff", "f.tiff")...)

	require.Eventually(t, func() bool {
		return tr.mustGet(t, 42, "/data/grid1").FilesCounted == 10
	}, waitFor, tick)

	all := tr.GetAll(42)
	require.Len(t, all, 1)
	assert.Equal(t, int64(10), all[0].FilesCounted)
	assert.Equal(t, int64(6), all[0].FilesTransferred)
	assert.Equal(t, int64(600), all[0].BytesTransferred)
	assert.True(t, all[0].Transferring)
	assert.Equal(t, "fractions", all[0].Tag)

	assert.Empty(t, tr.GetAll(43))
	assert.Equal(t, []int64{42}, tr.Sessions())
	assert.Contains(t, tr.notifier.types(), registry.EventRegistered)
	assert.Contains(t, tr.notifier.types(), registry.EventProgress)

	stored, err := tr.store.LoadInstances(ctx, 42)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Transferring)
}

func TestRegisterDuplicate(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)

	// The source is cleaned before it's used as a key.
	_, err = tr.Register(ctx, gridRegistration(1, "/data/grid1/"))
	assert.Equal(t, errors.DuplicateInstanceError{SessionID: 1, Source: "/data/grid1"}, err)

	// The same source can be registered by another session.
	_, err = tr.Register(ctx, gridRegistration(2, "/data/grid1"))
	assert.NoError(t, err)
}

func TestRegisterConcurrent(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)

	var wg goSync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Register(context.Background(), gridRegistration(5, "/data/grid1"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, duplicates int
	for err := range results {
		if err == nil {
			succeeded++
		} else if errors.As(err, &errors.DuplicateInstanceError{}) {
			duplicates++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 9, duplicates)
	assert.Len(t, tr.GetAll(5), 1)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name  string
		reg   registry.Registration
		field string
	}{
		{
			name:  "NoSession",
			reg:   registry.Registration{Source: "/data", Destination: "/dest"},
			field: "session_id",
		},
		{
			name:  "NoSource",
			reg:   registry.Registration{SessionID: 1, Destination: "/dest"},
			field: "source",
		},
		{
			name:  "RelativeSource",
			reg:   registry.Registration{SessionID: 1, Source: "data", Destination: "/dest"},
			field: "source",
		},
		{
			name:  "NoDestination",
			reg:   registry.Registration{SessionID: 1, Source: "/data"},
			field: "destination",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			tr := newTestRegistry(t, defaultInstance)
			_, err := tr.Register(context.Background(), test.reg)

			var validationErr errors.ValidationError
			require.True(t, errors.As(err, &validationErr), "unexpected error %v", err)
			assert.Equal(t, test.field, validationErr.Field)
			assert.Empty(t, tr.Sessions())
		})
	}
}

func TestRegisterRollsBackOnStartFailure(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	tr.startErrs["/data/missing"] = errors.ConfigurationError{Reason: "source doesn't exist"}
	_, err := tr.Register(ctx, gridRegistration(3, "/data/missing"))
	var configErr errors.ConfigurationError
	require.True(t, errors.As(err, &configErr))

	_, err = tr.Get(3, "/data/missing")
	assert.Equal(t, errors.NotFoundError{SessionID: 3, Source: "/data/missing"}, err)
	assert.Empty(t, tr.GetAll(3))
	assert.Zero(t, tr.store.saveCount())
	assert.NotContains(t, tr.notifier.types(), registry.EventRegistered)

	// Once the problem is fixed, the source can be registered.
	delete(tr.startErrs, "/data/missing")
	_, err = tr.Register(ctx, gridRegistration(3, "/data/missing"))
	assert.NoError(t, err)
}

func TestPauseFreezesTransfers(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	runner := tr.runner(t, "/data/grid1")
	deliver(t, runner, transferred("a.tiff", "b.tiff", "c.tiff")...)

	paused, err := tr.Pause(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.True(t, paused.Paused)
	assert.False(t, paused.Transferring)
	assert.Equal(t, int64(3), paused.FilesTransferred)
	assert.False(t, runner.IsAlive())

	// Output that was in flight when the runner was stopped isn't counted.
	deliver(t, runner, transferred("d.tiff", "e.tiff")...)
	assert.Equal(t, int64(3), tr.mustGet(t, 1, "/data/grid1").FilesTransferred)

	// Pausing again is a no-op.
	saves := tr.store.saveCount()
	again, err := tr.Pause(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.Equal(t, paused, again)
	assert.Equal(t, saves, tr.store.saveCount())

	// Files are still counted while paused.
	tr.counter(t, "/data/grid1").set(t, 12)
	require.Eventually(t, func() bool {
		return tr.mustGet(t, 1, "/data/grid1").FilesCounted == 12
	}, waitFor, tick)

	_, err = tr.Pause(ctx, 1, "/data/unknown")
	assert.Equal(t, errors.NotFoundError{SessionID: 1, Source: "/data/unknown"}, err)
}

func TestRestartNeverResetsCounters(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	runner := tr.runner(t, "/data/grid1")
	counter := tr.counter(t, "/data/grid1")
	counter.set(t, 4)
	deliver(t, runner, transferred("a.tiff", "b.tiff", "c.tiff")...)
	require.Eventually(t, func() bool {
		return tr.mustGet(t, 1, "/data/grid1").FilesCounted == 4
	}, waitFor, tick)

	_, err = tr.Pause(ctx, 1, "/data/grid1")
	require.NoError(t, err)

	restarted, err := tr.Restart(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.True(t, restarted.Transferring)
	assert.False(t, restarted.Paused)
	assert.Equal(t, int64(3), restarted.FilesTransferred)
	assert.Equal(t, int64(4), restarted.FilesCounted)
	assert.Equal(t, 2, runner.startCount())
	assert.Equal(t, 1, counter.startCount(), "the counter kept running while paused")

	deliver(t, runner, transferred("d.tiff", "e.tiff")...)
	assert.Equal(t, int64(5), tr.mustGet(t, 1, "/data/grid1").FilesTransferred)
	assert.Contains(t, tr.notifier.types(), registry.EventResumed)

	// Restarting a running instance restarts its runner.
	_, err = tr.Restart(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.Equal(t, 3, runner.startCount())
	assert.Equal(t, int64(5), tr.mustGet(t, 1, "/data/grid1").FilesTransferred)

	_, err = tr.Restart(ctx, 1, "/data/unknown")
	assert.Equal(t, errors.NotFoundError{SessionID: 1, Source: "/data/unknown"}, err)
}

func TestRunnerExitMarksBroken(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	runner := tr.runner(t, "/data/grid1")

	runner.send(t, rsync.Event{Type: rsync.Exited, Err: errors.ProcessFailure{ExitCode: 12}})
	require.Eventually(t, func() bool {
		return tr.mustGet(t, 1, "/data/grid1").Broken
	}, waitFor, tick)

	inst := tr.mustGet(t, 1, "/data/grid1")
	assert.Equal(t, registry.StatusBroken, inst.Status())
	assert.False(t, inst.Transferring)
	assert.Equal(t, errors.ProcessFailure{ExitCode: 12}.Error(), inst.Error)
	assert.Contains(t, tr.notifier.types(), registry.EventBroken)

	restarted, err := tr.Restart(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.False(t, restarted.Broken)
	assert.Empty(t, restarted.Error)
	assert.True(t, restarted.Transferring)
}

func TestSkippedEscalation(t *testing.T) {
	defaults := defaultInstance
	defaults.SkippedEscalationThreshold = 2

	tr := newTestRegistry(t, defaults)
	_, err := tr.Register(context.Background(), gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	runner := tr.runner(t, "/data/grid1")

	skip := func(path string) rsync.Event {
		return rsync.Event{
			Type: rsync.FileSkipped,
			Path: path,
			Err:  errors.TransientTransferError{Path: path, Reason: "Permission denied"},
		}
	}

	deliver(t, runner, skip("a.tiff"))
	inst := tr.mustGet(t, 1, "/data/grid1")
	assert.False(t, inst.Broken)
	assert.Equal(t, 1, inst.FilesSkipped)

	// Transferring a skipped file forgets it.
	deliver(t, runner, transferred("a.tiff")...)
	assert.Equal(t, 0, tr.mustGet(t, 1, "/data/grid1").FilesSkipped)

	deliver(t, runner, skip("b.tiff"), skip("c.tiff"))
	inst = tr.mustGet(t, 1, "/data/grid1")
	assert.True(t, inst.Broken)
	assert.Equal(t, 2, inst.FilesSkipped)
	assert.False(t, runner.IsAlive())
}

func TestFlushSkipped(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	runner := tr.runner(t, "/data/grid1")

	vanished := errors.TransientTransferError{Path: "b.tiff", Reason: "file has vanished"}
	deliver(t, runner,
		rsync.Event{Type: rsync.FileSkipped, Path: "b.tiff", Err: vanished},
		rsync.Event{Type: rsync.FileSkipped, Path: "a.tiff",
			Err: errors.TransientTransferError{Path: "a.tiff", Reason: "Permission denied"}})

	skipped, err := tr.Skipped(1, "/data/grid1")
	require.NoError(t, err)
	require.Len(t, skipped, 2)
	assert.Equal(t, "a.tiff", skipped[0].Path)

	runner.runOnce = func(opts rsync.PassOptions) ([]rsync.Event, error) {
		return []rsync.Event{
			{Type: rsync.FileTransferred, Path: "a.tiff", Size: 5},
			{Type: rsync.FileSkipped, Path: "b.tiff", Err: vanished},
			{Type: rsync.PassComplete},
		}, nil
	}

	inst, err := tr.FlushSkipped(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.FilesSkipped)
	assert.Equal(t, int64(1), inst.FilesTransferred)
	require.Len(t, runner.passes, 1)
	assert.Equal(t, []string{"a.tiff", "b.tiff"}, runner.passes[0].Files)

	skipped, err = tr.Skipped(1, "/data/grid1")
	require.NoError(t, err)
	assert.Equal(t, []errors.TransientTransferError{vanished}, skipped)
}

func TestFinalise(t *testing.T) {
	defaults := defaultInstance
	defaults.RemoveSourceFilesOnFinalise = true

	tr := newTestRegistry(t, defaults)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	runner := tr.runner(t, "/data/grid1")
	counter := tr.counter(t, "/data/grid1")
	deliver(t, runner, transferred("a.tiff", "b.tiff")...)

	// The final pass removes the source files, so they're counted before it.
	counter.set(t, 3)
	runner.runOnce = func(opts rsync.PassOptions) ([]rsync.Event, error) {
		counter.lock.Lock()
		counter.value = 0
		counter.lock.Unlock()
		return append(transferred("c.tiff"), rsync.Event{Type: rsync.PassComplete}), nil
	}

	inst, err := tr.Finalise(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.True(t, inst.Finalised)
	assert.False(t, inst.Transferring)
	assert.Equal(t, registry.StatusFinalised, inst.Status())
	assert.Equal(t, int64(3), inst.FilesTransferred)
	assert.Equal(t, int64(3), inst.FilesCounted)
	assert.False(t, counter.IsRunning())
	assert.False(t, runner.IsAlive())
	require.Len(t, runner.passes, 1)
	assert.True(t, runner.passes[0].RemoveSourceFiles)

	jobs := tr.pipeline.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, registry.Job{
		SessionID:        1,
		Source:           "/data/grid1",
		Destination:      "/dls/m12/data/data/grid1",
		Tag:              "fractions",
		FilesTransferred: 3,
		FinalisedAt:      inst.UpdatedAt,
	}, jobs[0])

	// Finalising again changes nothing.
	saves := tr.store.saveCount()
	again, err := tr.Finalise(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.Equal(t, inst, again)
	assert.Equal(t, saves, tr.store.saveCount())
	assert.Len(t, runner.passes, 1)
	assert.Len(t, tr.pipeline.submitted(), 1)

	_, err = tr.Restart(ctx, 1, "/data/grid1")
	assert.Equal(t, errors.FinalisedError{SessionID: 1, Source: "/data/grid1"}, err)
}

func TestFinaliseNotProcessed(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	reg := gridRegistration(1, "/data/metadata")
	reg.Tag = "metadata"
	_, err := tr.Register(ctx, reg)
	require.NoError(t, err)

	_, err = tr.Finalise(ctx, 1, "/data/metadata")
	require.NoError(t, err)
	assert.Empty(t, tr.pipeline.submitted())
}

func TestFinaliseFailure(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	runner := tr.runner(t, "/data/grid1")

	failure := errors.ProcessFailure{ExitCode: 11, Stderr: "No space left on device"}
	runner.runOnce = func(opts rsync.PassOptions) ([]rsync.Event, error) {
		return nil, failure
	}

	_, err = tr.Finalise(ctx, 1, "/data/grid1")
	assert.Equal(t, failure, errors.RootCause(err))

	inst := tr.mustGet(t, 1, "/data/grid1")
	assert.True(t, inst.Broken)
	assert.False(t, inst.Finalised)
	assert.Empty(t, tr.pipeline.submitted())

	// The instance can be finalised once the problem is fixed.
	runner.runOnce = nil
	inst, err = tr.Finalise(ctx, 1, "/data/grid1")
	require.NoError(t, err)
	assert.True(t, inst.Finalised)
	assert.False(t, inst.Broken)
}

func TestRemove(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	err := tr.Remove(ctx, 1, "/data/unknown")
	assert.Equal(t, errors.NotFoundError{SessionID: 1, Source: "/data/unknown"}, err)

	_, err = tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	_, err = tr.Register(ctx, gridRegistration(1, "/data/grid2"))
	require.NoError(t, err)
	runner := tr.runner(t, "/data/grid1")
	counter := tr.counter(t, "/data/grid1")

	require.NoError(t, tr.Remove(ctx, 1, "/data/grid1"))
	assert.False(t, runner.IsAlive())
	assert.False(t, counter.IsRunning())

	all := tr.GetAll(1)
	require.Len(t, all, 1)
	assert.Equal(t, "/data/grid2", all[0].Source)

	stored, err := tr.store.LoadInstances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "/data/grid2", stored[0].Source)

	err = tr.Remove(ctx, 1, "/data/grid1")
	assert.Equal(t, errors.NotFoundError{SessionID: 1, Source: "/data/grid1"}, err)

	// Finalised instances stay on record.
	_, err = tr.Finalise(ctx, 1, "/data/grid2")
	require.NoError(t, err)
	require.NoError(t, tr.Remove(ctx, 1, "/data/grid2"))
	assert.Empty(t, tr.GetAll(1))

	stored, err = tr.store.LoadInstances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Finalised)

	// The key can be reused once removed.
	_, err = tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	assert.NoError(t, err)
}

func TestLoadAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: mem.New()}
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	persisted := []registry.Instance{
		{
			SessionID: 7, Source: "/data/grid1", Destination: "/dest/grid1",
			Tag: "fractions", FilesCounted: 100, FilesTransferred: 80,
			Transferring: true, CreatedAt: created,
		},
		{
			SessionID: 7, Source: "/data/grid2", Destination: "/dest/grid2",
			Tag: "fractions", FilesCounted: 50, FilesTransferred: 50,
			Broken: true, Error: "rsync exited", CreatedAt: created.Add(time.Minute),
		},
		{
			SessionID: 7, Source: "/data/atlas", Destination: "/dest/atlas",
			Tag: "atlas", FilesCounted: 5, FilesTransferred: 5,
			Finalised: true, CreatedAt: created.Add(2 * time.Minute),
		},
	}
	for _, inst := range persisted {
		require.NoError(t, store.Store.SaveInstance(ctx, inst))
	}

	tr := newTestRegistryWithStore(t, defaultInstance, store)
	require.NoError(t, tr.Load(ctx))

	all := tr.GetAll(7)
	require.Len(t, all, 2)

	assert.Equal(t, "/data/grid1", all[0].Source)
	assert.False(t, all[0].Transferring)
	assert.True(t, all[0].Paused)
	assert.Equal(t, int64(100), all[0].FilesCounted)
	assert.Equal(t, int64(80), all[0].FilesTransferred)

	assert.Equal(t, "/data/grid2", all[1].Source)
	assert.Equal(t, registry.StatusBroken, all[1].Status())

	// Nothing is started until the instances are restarted.
	tr.lock.Lock()
	assert.Empty(t, tr.runners)
	tr.lock.Unlock()

	restarted, err := tr.Restart(ctx, 7, "/data/grid1")
	require.NoError(t, err)
	assert.True(t, restarted.Transferring)
	assert.Equal(t, int64(80), restarted.FilesTransferred)

	// Loading again doesn't replace live instances.
	require.NoError(t, tr.Load(ctx))
	assert.True(t, tr.mustGet(t, 7, "/data/grid1").Transferring)
}

func TestStopAndAttachSession(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(3, "/data/grid1"))
	require.NoError(t, err)
	_, err = tr.Register(ctx, gridRegistration(4, "/data/grid1"))
	require.NoError(t, err)
	deliver(t, tr.runner(t, "/data/grid1"), transferred("a.tiff")...)

	require.NoError(t, tr.StopSession(ctx, 3))
	assert.Empty(t, tr.GetAll(3))
	assert.Len(t, tr.GetAll(4), 1)
	assert.Equal(t, []int64{4}, tr.Sessions())

	stored, err := tr.store.LoadInstances(ctx, 3)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Paused)
	assert.False(t, stored[0].Transferring)

	attached, err := tr.AttachSession(ctx, 3)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, registry.StatusPaused, attached[0].Status())

	// Attaching a live session changes nothing.
	attached, err = tr.AttachSession(ctx, 4)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.True(t, attached[0].Transferring)
}

func TestCheckLiveness(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	_, err = tr.Register(ctx, gridRegistration(1, "/data/grid2"))
	require.NoError(t, err)
	assert.Empty(t, tr.CheckLiveness())

	tr.runner(t, "/data/grid2").die()
	assert.Equal(t, []registry.Key{{SessionID: 1, Source: "/data/grid2"}}, tr.CheckLiveness())
	assert.True(t, tr.mustGet(t, 1, "/data/grid2").Broken)
	assert.False(t, tr.mustGet(t, 1, "/data/grid1").Broken)

	// Broken instances aren't reported again.
	assert.Empty(t, tr.CheckLiveness())
}

func TestServe(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)

	_, err := tr.Register(context.Background(), gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	tr.runner(t, "/data/grid1").die()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error)
	go func() {
		served <- tr.Serve(ctx)
	}()

	tr.clock.BlockUntil(2)
	tr.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return tr.mustGet(t, 1, "/data/grid1").Broken
	}, waitFor, tick)

	cancel()
	assert.Equal(t, context.Canceled, <-served)
}

func TestSnapshot(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)

	saves := tr.store.saveCount()
	require.NoError(t, tr.Snapshot(ctx))
	assert.Equal(t, saves, tr.store.saveCount(), "clean instances aren't saved")

	deliver(t, tr.runner(t, "/data/grid1"), transferred("a.tiff", "b.tiff")...)
	require.NoError(t, tr.Snapshot(ctx))
	assert.Equal(t, saves+1, tr.store.saveCount())

	stored, err := tr.store.LoadInstances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(2), stored[0].FilesTransferred)
}

func TestShutdown(t *testing.T) {
	tr := newTestRegistry(t, defaultInstance)
	ctx := context.Background()

	_, err := tr.Register(ctx, gridRegistration(1, "/data/grid1"))
	require.NoError(t, err)
	_, err = tr.Register(ctx, gridRegistration(1, "/data/grid2"))
	require.NoError(t, err)
	_, err = tr.Pause(ctx, 1, "/data/grid2")
	require.NoError(t, err)
	deliver(t, tr.runner(t, "/data/grid1"), transferred("a.tiff")...)

	require.NoError(t, tr.Shutdown(ctx))
	for _, source := range []string{"/data/grid1", "/data/grid2"} {
		assert.False(t, tr.runner(t, source).IsAlive())
		assert.False(t, tr.counter(t, source).IsRunning())
	}

	stored, err := tr.store.LoadInstances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].Transferring, "the transferring flag is kept for the next start")
	assert.Equal(t, int64(1), stored[0].FilesTransferred)
	assert.True(t, stored[1].Paused)
	assert.False(t, stored[1].Transferring)
}
