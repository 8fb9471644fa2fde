package registry_test

import (
	"context"
	goSync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/emsync/pkg/config"
	"github.com/sidkik/emsync/pkg/registry"
	"github.com/sidkik/emsync/pkg/rsync"
	"github.com/sidkik/emsync/pkg/store/mem"
)

// fakeRunner hands out an unbuffered event channel per Start, so that a
// send returns only once the registry has received the event. Stop doesn't
// close the channel, so tests can deliver output that was in flight when
// the runner was stopped.
type fakeRunner struct {
	lock     goSync.Mutex
	events   chan rsync.Event
	alive    bool
	starts   int
	stops    int
	startErr error

	runOnce func(rsync.PassOptions) ([]rsync.Event, error)
	passes  []rsync.PassOptions
}

func (f *fakeRunner) Start() (<-chan rsync.Event, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}
	f.events = make(chan rsync.Event)
	f.alive = true
	f.starts++
	return f.events, nil
}

func (f *fakeRunner) Stop() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.alive = false
	f.stops++
}

func (f *fakeRunner) Wait(ctx context.Context) error {
	return nil
}

func (f *fakeRunner) IsAlive() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.alive
}

func (f *fakeRunner) RunOnce(ctx context.Context, opts rsync.PassOptions) ([]rsync.Event, error) {
	f.lock.Lock()
	f.passes = append(f.passes, opts)
	runOnce := f.runOnce
	f.lock.Unlock()

	if runOnce == nil {
		return []rsync.Event{{Type: rsync.PassComplete}}, nil
	}
	return runOnce(opts)
}

func (f *fakeRunner) send(t *testing.T, events ...rsync.Event) {
	f.lock.Lock()
	ch := f.events
	f.lock.Unlock()

	for _, event := range events {
		select {
		case ch <- event:
		case <-time.After(10 * time.Second):
			t.Fatal("Timed out sending rsync event")
		}
	}
}

func (f *fakeRunner) startCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.starts
}

func (f *fakeRunner) die() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.alive = false
}

func transferred(paths ...string) (events []rsync.Event) {
	for _, path := range paths {
		events = append(events, rsync.Event{Type: rsync.FileTransferred, Path: path, Size: 100})
	}
	return events
}

type fakeCounter struct {
	lock    goSync.Mutex
	updates chan int64
	running bool
	value   int64
	starts  int
}

func (f *fakeCounter) Start() <-chan int64 {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.running {
		return nil
	}
	f.updates = make(chan int64)
	f.running = true
	f.starts++
	return f.updates
}

func (f *fakeCounter) Stop() {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.running {
		f.running = false
		close(f.updates)
	}
}

func (f *fakeCounter) ScanOnce() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.value
}

func (f *fakeCounter) IsRunning() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.running
}

func (f *fakeCounter) startCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.starts
}

// set changes the count, and reports it if the counter is running.
func (f *fakeCounter) set(t *testing.T, count int64) {
	f.lock.Lock()
	f.value = count
	running, ch := f.running, f.updates
	f.lock.Unlock()

	if !running {
		return
	}
	select {
	case ch <- count:
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out sending count")
	}
}

type countingStore struct {
	*mem.Store

	lock  goSync.Mutex
	saves int
}

func (s *countingStore) SaveInstance(ctx context.Context, inst registry.Instance) error {
	s.lock.Lock()
	s.saves++
	s.lock.Unlock()
	return s.Store.SaveInstance(ctx, inst)
}

func (s *countingStore) saveCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.saves
}

type recordingNotifier struct {
	lock   goSync.Mutex
	events []registry.Event
}

func (n *recordingNotifier) Notify(event registry.Event) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() (types []registry.EventType) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, event := range n.events {
		types = append(types, event.Type)
	}
	return types
}

type recordingPipeline struct {
	lock goSync.Mutex
	jobs []registry.Job
}

func (p *recordingPipeline) Submit(ctx context.Context, job registry.Job) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPipeline) submitted() []registry.Job {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]registry.Job(nil), p.jobs...)
}

type testRegistry struct {
	*registry.Registry

	store    *countingStore
	notifier *recordingNotifier
	pipeline *recordingPipeline
	clock    clockwork.FakeClock

	lock     goSync.Mutex
	runners  map[string]*fakeRunner
	counters map[string]*fakeCounter

	// startErrs makes the runner of a source fail to start.
	startErrs map[string]error
}

func newTestRegistry(t *testing.T, defaults config.Instance) *testRegistry {
	return newTestRegistryWithStore(t, defaults, &countingStore{Store: mem.New()})
}

func newTestRegistryWithStore(t *testing.T, defaults config.Instance, store *countingStore) *testRegistry {
	tr := &testRegistry{
		store:     store,
		notifier:  &recordingNotifier{},
		pipeline:  &recordingPipeline{},
		clock:     clockwork.NewFakeClock(),
		runners:   map[string]*fakeRunner{},
		counters:  map[string]*fakeCounter{},
		startErrs: map[string]error{},
	}

	tr.Registry = registry.New(registry.Options{
		Store:          store,
		Notifier:       tr.notifier,
		Pipeline:       tr.pipeline,
		Defaults:       defaults,
		ProcessingTags: []string{"fractions"},
		Clock:          tr.clock,
		NewRunner: func(source, destination string, cfg config.Instance) registry.Runner {
			tr.lock.Lock()
			defer tr.lock.Unlock()
			runner := &fakeRunner{startErr: tr.startErrs[source]}
			tr.runners[source] = runner
			return runner
		},
		NewCounter: func(source string, cfg config.Instance) registry.Counter {
			tr.lock.Lock()
			defer tr.lock.Unlock()
			counter := &fakeCounter{}
			tr.counters[source] = counter
			return counter
		},
	})
	return tr
}

func (tr *testRegistry) runner(t *testing.T, source string) *fakeRunner {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	runner, ok := tr.runners[source]
	require.True(t, ok, "no runner for %s", source)
	return runner
}

func (tr *testRegistry) counter(t *testing.T, source string) *fakeCounter {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	counter, ok := tr.counters[source]
	require.True(t, ok, "no counter for %s", source)
	return counter
}

func (tr *testRegistry) mustGet(t *testing.T, sessionID int64, source string) registry.Instance {
	inst, err := tr.Get(sessionID, source)
	require.NoError(t, err)
	return inst
}
