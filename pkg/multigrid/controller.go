// Package multigrid discovers the data streams of a multigrid acquisition,
// and registers an rsync instance for each of them.
//
// A multigrid root contains one directory per stream, e.g. Images-Disc1 for
// the movies of the first grid and metadata for the session files. Streams
// may be grouped into container directories, in which case the container is
// descended into rather than registered.
package multigrid

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/config"
	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
)

var fs = afero.NewOsFs()

// State is the lifecycle state of a Controller.
type State string

const (
	StateIdle        State = "idle"
	StateWatching    State = "watching"
	StateRegistering State = "registering"
	StateStopped     State = "stopped"
)

// Registrar registers rsync instances. It's implemented by
// registry.Registry.
type Registrar interface {
	Register(ctx context.Context, reg registry.Registration) (registry.Instance, error)
}

// Options configures a Controller.
type Options struct {
	SessionID int64

	// Root is the directory that's watched for streams.
	Root string

	// Destination is where the streams are transferred to. Each stream is
	// transferred to its path relative to Root.
	Destination string

	Config config.Multigrid
	Clock  clockwork.Clock
}

// Controller watches a single multigrid root.
type Controller struct {
	registrar Registrar
	opts      Options

	lock  goSync.Mutex
	state State
	seen  map[string]struct{}

	stop     chan struct{}
	stopOnce goSync.Once
	done     chan struct{}
}

// NewController creates an idle Controller.
func NewController(registrar Registrar, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Config.PollInterval.Duration <= 0 {
		opts.Config.PollInterval = config.NewDuration(15 * time.Second)
	}
	if opts.Config.MaxDepth <= 0 {
		opts.Config.MaxDepth = 1
	}
	opts.Root = filepath.Clean(opts.Root)

	return &Controller{
		registrar: registrar,
		opts:      opts,
		state:     StateIdle,
		seen:      map[string]struct{}{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start creates the configured directories under the root, and starts
// watching it until ctx is cancelled or Stop is called. Starting a watching
// controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch c.state {
	case StateStopped:
		return errors.New("multigrid controller for %s is stopped", c.opts.Root)
	case StateWatching, StateRegistering:
		return nil
	}

	if !filepath.IsAbs(c.opts.Root) {
		return errors.ValidationError{Field: "root", Reason: "must be an absolute path"}
	}

	for _, dir := range c.opts.Config.CreateDirectories {
		path := filepath.Join(c.opts.Root, dir)
		if err := fs.MkdirAll(path, 0750); err != nil {
			return errors.WithContext(err, "create "+path)
		}
	}

	c.state = StateWatching
	go c.run(ctx)
	c.logger().Info("Watching multigrid root")
	return nil
}

// Stop stops watching, and waits for the current scan to finish.
func (c *Controller) Stop() {
	c.lock.Lock()
	if c.state == StateIdle {
		c.state = StateStopped
		close(c.done)
	}
	c.lock.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// State returns the lifecycle state of the controller.
func (c *Controller) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Sources returns the streams that have been registered, or that were
// already registered when they were discovered.
func (c *Controller) Sources() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	sources := make([]string, 0, len(c.seen))
	for source := range c.seen {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

func (c *Controller) run(ctx context.Context) {
	defer util.HandlePanic()
	defer func() {
		c.lock.Lock()
		c.state = StateStopped
		c.lock.Unlock()
		close(c.done)
	}()

	var wake <-chan struct{}
	var watcher *watcher
	if c.opts.Config.UseEvents {
		var err error
		watcher, err = newWatcher()
		if err != nil {
			c.logger().WithError(err).Warn("Failed to create file watcher. " +
				"New streams will only be found by polling.")
		} else {
			defer watcher.Close()
			wake = watcher.updates
		}
	}

	for {
		if _, err := c.ScanOnce(ctx); err != nil {
			c.logger().WithError(err).Warn("Multigrid scan failed. Will retry.")
		}
		if watcher != nil {
			watcher.watch(c.containers())
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.opts.Clock.After(c.opts.Config.PollInterval.Duration):
		case <-wake:
		}
	}
}

// ScanOnce registers every stream under the root that hasn't been seen
// yet, and returns the instances it registered. Streams that fail to
// register are retried by the next scan.
func (c *Controller) ScanOnce(ctx context.Context) ([]registry.Instance, error) {
	streams, err := c.discover()
	if err != nil {
		return nil, errors.WithContext(err, "discover streams")
	}

	var registered []registry.Instance
	for _, stream := range streams {
		if c.isSeen(stream) {
			continue
		}

		inst, err := c.register(ctx, stream)
		switch {
		case err == nil:
			registered = append(registered, inst)
			c.markSeen(stream)
		case errors.As(err, &errors.DuplicateInstanceError{}):
			c.markSeen(stream)
		default:
			c.logger().WithError(err).WithField("source", stream).Warn(
				"Failed to register stream. Will retry.")
		}
	}
	return registered, nil
}

func (c *Controller) register(ctx context.Context, stream string) (registry.Instance, error) {
	rel, err := filepath.Rel(c.opts.Root, stream)
	if err != nil {
		return registry.Instance{}, errors.WithContext(err, "relative path")
	}

	c.setState(StateWatching, StateRegistering)
	defer c.setState(StateRegistering, StateWatching)

	tag := InferTag(rel, c.opts.Config.TagRules, c.opts.Config.DefaultTag)
	inst, err := c.registrar.Register(ctx, registry.Registration{
		SessionID:   c.opts.SessionID,
		Source:      stream,
		Destination: joinDestination(c.opts.Destination, rel),
		Tag:         tag,
	})
	if err != nil {
		return registry.Instance{}, err
	}

	c.logger().WithFields(log.Fields{
		"source": stream,
		"tag":    tag,
	}).Info("Registered multigrid stream")
	return inst, nil
}

// setState moves the controller from one state to another. It doesn't
// touch stopped controllers.
func (c *Controller) setState(from, to State) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == from {
		c.state = to
	}
}

func (c *Controller) isSeen(stream string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.seen[stream]
	return ok
}

func (c *Controller) markSeen(stream string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.seen[stream] = struct{}{}
}

// discover returns the streams under the root, in lexical order.
func (c *Controller) discover() (streams []string, err error) {
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		children, err := childDirs(dir)
		if err != nil {
			return err
		}

		for _, child := range children {
			if depth < c.opts.Config.MaxDepth && c.isContainer(child) {
				if err := walk(child, depth+1); err != nil {
					return err
				}
				continue
			}
			streams = append(streams, child)
		}
		return nil
	}

	if err := walk(c.opts.Root, 1); err != nil {
		return nil, err
	}
	return streams, nil
}

// containers returns the directories that new streams may appear in.
func (c *Controller) containers() []string {
	dirs := []string{c.opts.Root}
	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		children, err := childDirs(dir)
		if err != nil {
			return
		}
		for _, child := range children {
			if depth < c.opts.Config.MaxDepth && c.isContainer(child) {
				dirs = append(dirs, child)
				walk(child, depth+1)
			}
		}
	}
	walk(c.opts.Root, 1)
	return dirs
}

// isContainer returns whether the directory groups streams, i.e. whether
// any of its children is named like a stream.
func (c *Controller) isContainer(dir string) bool {
	children, err := childDirs(dir)
	if err != nil {
		return false
	}

	for _, child := range children {
		if _, ok := matchTag(filepath.Base(child), c.opts.Config.TagRules); ok {
			return true
		}
	}
	return false
}

func (c *Controller) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"session": c.opts.SessionID,
		"root":    c.opts.Root,
	})
}

// childDirs returns the visible subdirectories of dir.
func childDirs(dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, info := range infos {
		if !info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		dirs = append(dirs, filepath.Join(dir, info.Name()))
	}
	return dirs, nil
}

func joinDestination(root, rel string) string {
	// Remote destinations such as host:/path are joined textually, since
	// filepath.Join would clean away a trailing host separator.
	if strings.HasSuffix(root, ":") {
		return root + filepath.ToSlash(rel)
	}
	return filepath.Join(root, rel)
}

// InferTag returns the tag of the stream at the relative path. Each
// component of the path is matched against the rules' keywords without
// regard to case, and the longest matching keyword wins. Ties go to the
// earlier rule. Streams that match no rule get defaultTag.
func InferTag(rel string, rules []config.TagRule, defaultTag string) string {
	best, bestLen := defaultTag, 0
	for _, component := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, rule := range rules {
			if len(rule.Match) > bestLen && containsFold(component, rule.Match) {
				best, bestLen = rule.Tag, len(rule.Match)
			}
		}
	}
	return best
}

func matchTag(name string, rules []config.TagRule) (string, bool) {
	tag := InferTag(name, rules, "")
	return tag, tag != ""
}

func containsFold(s, substr string) bool {
	return substr != "" && strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
