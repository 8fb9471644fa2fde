// Package counter counts the files in a source directory that are expected
// to be transferred. The count only ever grows: files that disappear from the
// source, typically because rsync removed them after transferring them, are
// still counted.
package counter

import (
	"os"
	"path/filepath"
	"strings"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/config"
)

// defaultInterval is used when New is given a non-positive interval.
const defaultInterval = 15 * time.Second

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// Counter periodically counts the files under a source directory.
type Counter struct {
	source   string
	pattern  config.Pattern
	interval time.Duration
	clock    clockwork.Clock

	lock    goSync.Mutex
	max     int64
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Counter. The source doesn't need to exist yet. A
// non-positive interval scans every 15 seconds.
func New(source string, pattern config.Pattern, interval time.Duration,
	clock clockwork.Clock) *Counter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Counter{
		source:   source,
		pattern:  pattern,
		interval: interval,
		clock:    clock,
	}
}

// Start scans the source immediately, and then every interval. The count is
// sent on the returned channel whenever it grows. Only the latest count is
// buffered, so a slow reader sees the newest value rather than a backlog.
// The channel is closed by Stop. Starting a running Counter returns nil.
func (c *Counter) Start() <-chan int64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.running {
		return nil
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	updates := make(chan int64, 1)
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer util.HandlePanic()
		defer close(done)
		defer close(updates)
		c.run(updates, stop)
	}(c.stop, c.done)
	return updates
}

func (c *Counter) run(updates chan int64, stop <-chan struct{}) {
	var published int64
	for {
		if count := c.ScanOnce(); count > published {
			published = count
			select {
			case <-updates:
			default:
			}
			updates <- count
		}

		select {
		case <-stop:
			return
		case <-c.clock.After(c.interval):
		}
	}
}

// Stop halts scanning and waits for the current scan to finish. The last
// count is kept. Stopping a Counter that isn't running is a no-op.
func (c *Counter) Stop() {
	c.lock.Lock()
	if !c.running {
		c.lock.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.lock.Unlock()

	<-done
}

// IsRunning returns whether the Counter is scanning periodically.
func (c *Counter) IsRunning() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.running
}

// Value returns the highest count seen so far.
func (c *Counter) Value() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.max
}

// ScanOnce counts the source synchronously and returns the highest count
// seen so far.
func (c *Counter) ScanOnce() int64 {
	count := c.scan()

	c.lock.Lock()
	defer c.lock.Unlock()
	if count > c.max {
		c.max = count
	}
	return c.max
}

func (c *Counter) scan() (count int64) {
	err := afero.Walk(fs, c.source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// The source not existing yet is expected. It's created by the
			// acquisition software.
			if path == c.source && os.IsNotExist(err) {
				return nil
			}
			log.WithError(err).WithField("path", path).Debug("Failed to count path")
			return nil
		}

		if path != c.source && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() && c.pattern.Matches(info.Name()) {
			count++
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("source", c.source).Warn("Failed to count files")
	}
	return count
}
