package rsync

import (
	"fmt"
	"os/exec"
	"regexp"

	"github.com/hashicorp/go-version"

	"github.com/sidkik/emsync/pkg/errors"
)

// Mocked out for unit testing.
var commandOutput = (*exec.Cmd).Output

var versionRegexp = regexp.MustCompile(`rsync\s+version\s+v?(\d+\.\d+(?:\.\d+)?)`)

// CheckVersion returns the version of the rsync executable, or a
// ConfigurationError if it's older than minimum. emsync relies on line
// buffered output and extended --chmod syntax, which were added in 3.1.0.
func CheckVersion(binary, minimum string) (*version.Version, error) {
	minVersion, err := version.NewVersion(minimum)
	if err != nil {
		return nil, errors.WithContext(err, "parse minimum version")
	}

	out, err := commandOutput(exec.Command(binary, "--version"))
	if err != nil {
		return nil, errors.ConfigurationError{
			Reason: fmt.Sprintf("run %s --version", binary),
			Err:    err,
		}
	}

	match := versionRegexp.FindSubmatch(out)
	if match == nil {
		return nil, errors.ConfigurationError{
			Reason: fmt.Sprintf("unrecognized output from %s --version", binary),
		}
	}

	actual, err := version.NewVersion(string(match[1]))
	if err != nil {
		return nil, errors.ConfigurationError{Reason: "parse rsync version", Err: err}
	}

	if actual.LessThan(minVersion) {
		return actual, errors.ConfigurationError{
			Reason: fmt.Sprintf("rsync %s is too old, at least %s is required",
				actual, minVersion),
		}
	}
	return actual, nil
}
