package rsync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	goSync "sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/errors"
)

// Variables mocked for unit testing.
var (
	fs           = afero.NewOsFs()
	startCommand = (*exec.Cmd).Start
	waitCommand  = (*exec.Cmd).Wait
	kill         = syscall.Kill
	lookPath     = exec.LookPath
)

const (
	defaultBinary       = "rsync"
	defaultPollInterval = 15 * time.Second
	defaultGracePeriod  = 5 * time.Second

	eventBufferSize = 256
	stderrTailLines = 10
)

// Options configures a Runner.
type Options struct {
	// Binary is the rsync executable. It's resolved on $PATH.
	Binary string

	// Chmod is passed as --chmod when set, e.g. "D0750,F0750".
	Chmod string

	ExtraArgs []string

	PollInterval time.Duration
	GracePeriod  time.Duration
	Clock        clockwork.Clock
}

// PassOptions changes what a single pass does.
type PassOptions struct {
	// Files restricts the pass to the given paths, relative to the source.
	// They're given to rsync on stdin with --files-from.
	Files []string

	// RemoveSourceFiles deletes each source file once it's safely
	// transferred.
	RemoveSourceFiles bool
}

// Runner runs rsync passes from one source directory to one destination.
type Runner struct {
	source, destination string
	opts                Options

	lock     goSync.Mutex
	cmd      *exec.Cmd
	alive    bool
	stopping bool
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Runner. Nothing is validated or started until Start.
func New(source, destination string, opts Options) *Runner {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Runner{
		source:      strings.TrimRight(source, "/"),
		destination: strings.TrimRight(destination, "/"),
		opts:        opts,
	}
}

// Start validates the source and destination, spawns the first pass, and
// starts the pass loop. Validation and spawn failures are returned as a
// ConfigurationError. The returned channel is closed when the loop exits.
func (r *Runner) Start() (<-chan Event, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.alive {
		return nil, errors.New("rsync runner for %q is already running", r.source)
	}

	if err := r.validate(); err != nil {
		return nil, err
	}

	cmd, p, err := r.startPass(context.Background(), PassOptions{})
	if err != nil {
		return nil, errors.ConfigurationError{Reason: "spawn rsync", Err: err}
	}

	events := make(chan Event, eventBufferSize)
	r.cmd = cmd
	r.alive = true
	r.stopping = false
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer util.HandlePanic()
		r.loop(p, events, stop, done)
	}(r.stop, r.done)
	return events, nil
}

func (r *Runner) loop(p *pass, events chan<- Event, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		r.lock.Lock()
		r.alive = false
		r.cmd = nil
		r.lock.Unlock()
		close(events)
		close(done)
	}()

	emit := func(event Event) {
		select {
		case events <- event:
		case <-stop:
		}
	}

	for {
		err := r.finishPass(p, emit)
		if r.passFinished() {
			return
		}

		if err != nil {
			log.WithError(err).WithField("source", r.source).Warn("rsync failed")
			emit(Event{Type: Exited, Err: err})
			return
		}
		emit(Event{Type: PassComplete})

		select {
		case <-stop:
			return
		case <-r.opts.Clock.After(r.opts.PollInterval):
		}

		cmd, next, err := r.startPass(context.Background(), PassOptions{})
		if err != nil {
			emit(Event{Type: Exited, Err: errors.ProcessFailure{
				ExitCode: -1,
				Stderr:   errors.WithContext(err, "spawn rsync").Error(),
			}})
			return
		}

		r.lock.Lock()
		if r.stopping {
			r.lock.Unlock()
			r.signal(cmd, syscall.SIGKILL)
			r.finishPass(next, func(Event) {})
			return
		}
		r.cmd = cmd
		r.lock.Unlock()
		p = next
	}
}

// passFinished forgets the exited process so that Stop doesn't signal a
// recycled pid, and returns whether the loop is stopping.
func (r *Runner) passFinished() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.cmd = nil
	return r.stopping
}

// Stop terminates the running pass and ends the loop. It returns once
// SIGTERM has been delivered. If rsync hasn't exited after the grace period,
// it's killed. Stopping a runner that isn't running is a no-op.
func (r *Runner) Stop() {
	r.lock.Lock()
	if !r.alive || r.stopping {
		r.lock.Unlock()
		return
	}
	r.stopping = true
	close(r.stop)
	cmd, done := r.cmd, r.done
	r.lock.Unlock()

	if cmd == nil {
		return
	}

	r.signal(cmd, syscall.SIGTERM)
	go func() {
		defer util.HandlePanic()
		select {
		case <-done:
		case <-r.opts.Clock.After(r.opts.GracePeriod):
			log.WithField("source", r.source).Warn(
				"rsync didn't exit after SIGTERM. Killing it.")
			r.signal(cmd, syscall.SIGKILL)
		}
	}()
}

// signal sends sig to the process group of cmd. rsync forks a receiver, so
// signalling just the parent isn't enough.
func (r *Runner) signal(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	err := kill(-cmd.Process.Pid, sig)
	// Ignore the error if the process already exited.
	if err != nil && err != syscall.ESRCH {
		log.WithError(err).WithField("source", r.source).Warn("Failed to signal rsync")
	}
}

// Wait blocks until the pass loop has exited.
func (r *Runner) Wait(ctx context.Context) error {
	r.lock.Lock()
	done := r.done
	r.lock.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the loop, waits for it to exit, and starts it again.
func (r *Runner) Restart() (<-chan Event, error) {
	r.Stop()
	if err := r.Wait(context.Background()); err != nil {
		return nil, errors.WithContext(err, "wait")
	}
	return r.Start()
}

// IsAlive returns whether the pass loop is running.
func (r *Runner) IsAlive() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.alive
}

// RunOnce runs a single pass synchronously, independently of the loop, and
// returns the events it produced. A failed pass returns the events seen
// before the failure along with a ProcessFailure.
func (r *Runner) RunOnce(ctx context.Context, opts PassOptions) ([]Event, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	_, p, err := r.startPass(ctx, opts)
	if err != nil {
		return nil, errors.ConfigurationError{Reason: "spawn rsync", Err: err}
	}

	var eventsLock goSync.Mutex
	var events []Event
	err = r.finishPass(p, func(event Event) {
		eventsLock.Lock()
		events = append(events, event)
		eventsLock.Unlock()
	})
	if err != nil {
		return events, err
	}
	return append(events, Event{Type: PassComplete}), nil
}

// Args returns the rsync command line for a pass.
func (r *Runner) Args(opts PassOptions) []string {
	args := []string{
		"-r", "-t",
		"--outbuf=L",
		"--out-format=%i %l %n",
		"--exclude=.*",
	}
	if r.opts.Chmod != "" {
		args = append(args, "--chmod="+r.opts.Chmod)
	}
	args = append(args, r.opts.ExtraArgs...)
	if opts.RemoveSourceFiles {
		args = append(args, "--remove-source-files")
	}
	if len(opts.Files) != 0 {
		args = append(args, "--files-from=-")
	}
	return append(args, r.source+"/", r.destination+"/")
}

type pass struct {
	cmd            *exec.Cmd
	stdout, stderr io.ReadCloser
}

func (r *Runner) startPass(ctx context.Context, opts PassOptions) (*exec.Cmd, *pass, error) {
	cmd := exec.CommandContext(ctx, r.opts.Binary, r.Args(opts)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(opts.Files) != 0 {
		cmd.Stdin = strings.NewReader(strings.Join(opts.Files, "\n") + "\n")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.WithContext(err, "stdout pipe")
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, errors.WithContext(err, "stderr pipe")
	}

	if err := startCommand(cmd); err != nil {
		return nil, nil, errors.WithContext(err, "start")
	}

	log.WithFields(log.Fields{
		"source":      r.source,
		"destination": r.destination,
		"files":       len(opts.Files),
	}).Debug("Started rsync pass")
	return cmd, &pass{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// finishPass reads the output of the pass until rsync exits. emit may be
// called concurrently.
func (r *Runner) finishPass(p *pass, emit func(Event)) error {
	tail := newStderrTail(stderrTailLines)

	// Only written by the stderr goroutine, and read after it's done.
	var skipped int
	var wg goSync.WaitGroup
	wg.Add(1)
	go func() {
		defer util.HandlePanic()
		defer wg.Done()

		scanner := bufio.NewScanner(p.stderr)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			if skippedErr, ok := parseSkipped(line, r.source); ok {
				skipped++
				emit(Event{Type: FileSkipped, Path: skippedErr.Path, Err: skippedErr})
			}
		}
	}()

	scanner := bufio.NewScanner(p.stdout)
	for scanner.Scan() {
		if event, ok := parseItemized(scanner.Text()); ok {
			emit(event)
		}
	}

	// The pipes must be fully read before waiting.
	wg.Wait()
	return exitError(waitCommand(p.cmd), tail.String(), skipped)
}

func (r *Runner) validate() error {
	info, err := fs.Stat(r.source)
	if err != nil {
		return errors.ConfigurationError{
			Reason: fmt.Sprintf("source %q is unusable", r.source),
			Err:    err,
		}
	}
	if !info.IsDir() {
		return errors.ConfigurationError{
			Reason: fmt.Sprintf("source %q is not a directory", r.source),
		}
	}

	if !IsRemote(r.destination) {
		if err := fs.MkdirAll(r.destination, 0750); err != nil {
			return errors.ConfigurationError{
				Reason: fmt.Sprintf("create destination %q", r.destination),
				Err:    err,
			}
		}

		probe, err := afero.TempFile(fs, r.destination, ".emsync-probe-")
		if err != nil {
			return errors.ConfigurationError{
				Reason: fmt.Sprintf("destination %q is not writable", r.destination),
				Err:    err,
			}
		}
		probe.Close()
		if err := fs.Remove(probe.Name()); err != nil {
			log.WithError(err).WithField("path", probe.Name()).Warn(
				"Failed to remove write probe")
		}
	}

	if _, err := lookPath(r.opts.Binary); err != nil {
		return errors.ConfigurationError{
			Reason: fmt.Sprintf("rsync executable %q not found", r.opts.Binary),
			Err:    err,
		}
	}
	return nil
}

// IsRemote returns whether dest refers to another host, in either the
// host:path or host::module form.
func IsRemote(dest string) bool {
	colon := strings.Index(dest, ":")
	if colon <= 0 {
		return false
	}
	slash := strings.Index(dest, "/")
	return slash == -1 || colon < slash
}
