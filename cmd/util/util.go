package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/errors"
)

// Mocked out for unit testing.
var exit = os.Exit

// HandleFatalError prints the given error and exits. Friendly errors are
// printed as-is, while other errors are printed along with the context that
// was added to them.
func HandleFatalError(err error) {
	if friendly, ok := errors.RootCause(err).(errors.FriendlyError); ok {
		fmt.Fprintln(os.Stderr, friendly.FriendlyMessage())
		log.WithError(err).Debug("Fatal error")
	} else {
		log.WithError(err).Error("Fatal error")
	}
	exit(1)
}

// HandlePanic recovers from a panic in the calling goroutine and logs it
// with its stack trace before exiting. It must be deferred at the top of
// every goroutine started by emsync.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		exit(1)
	}
}
