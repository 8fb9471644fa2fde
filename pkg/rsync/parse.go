package rsync

import (
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sidkik/emsync/pkg/errors"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// FileTransferred means a regular file was copied to the destination.
	FileTransferred EventType = iota

	// FileSkipped means rsync couldn't read a file during the pass. Err is
	// a TransientTransferError.
	FileSkipped

	// PassComplete means a pass finished without a process failure.
	PassComplete

	// Exited means the pass loop ended because rsync failed. Err is a
	// ProcessFailure. It's always the last event on the channel.
	Exited
)

func (t EventType) String() string {
	switch t {
	case FileTransferred:
		return "transferred"
	case FileSkipped:
		return "skipped"
	case PassComplete:
		return "pass complete"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Event is one observation from an rsync pass.
type Event struct {
	Type EventType

	// Path is relative to the source directory.
	Path string
	Size int64
	Err  error
}

// parseItemized parses a line printed with --out-format="%i %l %n". Only
// regular files that were sent or received produce an event. Directory,
// symlink and attribute-only updates are ignored.
func parseItemized(line string) (Event, bool) {
	fields := strings.SplitN(strings.TrimRight(line, "\r"), " ", 3)
	if len(fields) != 3 {
		return Event{}, false
	}

	itemized, sizeStr, name := fields[0], fields[1], fields[2]
	if len(itemized) < 2 || itemized[1] != 'f' {
		return Event{}, false
	}
	if itemized[0] != '>' && itemized[0] != '<' {
		return Event{}, false
	}

	size, err := strconv.ParseInt(strings.Replace(sizeStr, ",", "", -1), 10, 64)
	if err != nil {
		return Event{}, false
	}

	return Event{
		Type: FileTransferred,
		Path: name,
		Size: size,
	}, true
}

var (
	failedToOpenRegexp = regexp.MustCompile(`failed to open "([^"]+)"(?:[^:]*: (.+))?`)
	vanishedRegexp     = regexp.MustCompile(`file has vanished: "([^"]+)"`)
)

// parseSkipped parses an rsync stderr line that names a file that couldn't
// be transferred during this pass.
func parseSkipped(line, source string) (errors.TransientTransferError, bool) {
	if match := failedToOpenRegexp.FindStringSubmatch(line); match != nil {
		reason := match[2]
		if reason == "" {
			reason = "failed to open"
		}
		return errors.TransientTransferError{
			Path:   relativeTo(source, match[1]),
			Reason: reason,
		}, true
	}

	if match := vanishedRegexp.FindStringSubmatch(line); match != nil {
		return errors.TransientTransferError{
			Path:   relativeTo(source, match[1]),
			Reason: "file vanished",
		}, true
	}
	return errors.TransientTransferError{}, false
}

func relativeTo(source, path string) string {
	if !filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	rel, err := filepath.Rel(source, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// Exit codes that mean some files weren't transferred, but the pass as a
// whole worked.
const (
	exitPartialTransfer = 23
	exitVanished        = 24
)

// exitError converts the result of waiting on an rsync process into a
// ProcessFailure. A partial transfer is only a success when rsync named the
// files it skipped. Otherwise the cause would go unreported.
func exitError(err error, stderr string, skipped int) error {
	if err == nil {
		return nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		if (code == exitPartialTransfer || code == exitVanished) && skipped > 0 {
			return nil
		}
		return errors.ProcessFailure{ExitCode: code, Stderr: stderr}
	}
	return errors.ProcessFailure{ExitCode: -1, Stderr: err.Error()}
}

// stderrTail keeps the last lines written to stderr so that they can be
// attached to a ProcessFailure.
type stderrTail struct {
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *stderrTail) String() string {
	return strings.Join(t.lines, "\n")
}
