package config

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/sidkik/emsync/pkg/errors"
)

// Duration is a time.Duration that is written as a string ("15s") in
// configuration files and API payloads.
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration {
	return Duration{d}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.WithContext(err, "duration must be a string")
	}

	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Pattern selects the files of a source directory that are counted. A file
// matches if its extension is one of Extensions, or its base name matches
// one of the shell Globs. An empty Pattern matches every file.
type Pattern struct {
	Extensions []string `json:"extensions,omitempty"`
	Globs      []string `json:"globs,omitempty"`
}

// Matches returns whether the file with the given base name is selected by
// the pattern. Hidden files never match.
func (p Pattern) Matches(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if p.IsEmpty() {
		return true
	}

	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range p.Extensions {
		want = strings.ToLower(want)
		if !strings.HasPrefix(want, ".") {
			want = "." + want
		}
		if ext == want {
			return true
		}
	}

	for _, glob := range p.Globs {
		if ok, _ := filepath.Match(glob, name); ok {
			return true
		}
	}
	return false
}

// IsEmpty returns whether the pattern has no constraints.
func (p Pattern) IsEmpty() bool {
	return len(p.Extensions) == 0 && len(p.Globs) == 0
}

// Validate checks that every glob is well formed.
func (p Pattern) Validate() error {
	for _, glob := range p.Globs {
		if _, err := filepath.Match(glob, ""); err != nil {
			return errors.ValidationError{Field: "pattern.globs", Reason: err.Error()}
		}
	}
	return nil
}

// Instance is the per-instance transfer configuration. The server's value is
// the default for every registration, and registrations may override the
// pattern.
type Instance struct {
	Pattern Pattern `json:"pattern,omitempty"`

	// PollInterval is how often both the rsync pass and the file count are
	// repeated.
	PollInterval Duration `json:"pollInterval,omitempty"`

	// GracePeriod is how long a stopped rsync process is given to exit
	// before it's killed.
	GracePeriod Duration `json:"gracePeriod,omitempty"`

	// SkippedEscalationThreshold is the number of outstanding skipped files
	// at which an instance is considered broken. Zero disables escalation.
	SkippedEscalationThreshold int `json:"skippedEscalationThreshold,omitempty"`

	RemoveSourceFilesOnFinalise bool `json:"removeSourceFilesOnFinalise,omitempty"`
}

// Validate checks the instance configuration.
func (i Instance) Validate() error {
	if i.PollInterval.Duration <= 0 {
		return errors.ValidationError{Field: "instance.pollInterval", Reason: "must be positive"}
	}
	if i.GracePeriod.Duration < 0 {
		return errors.ValidationError{Field: "instance.gracePeriod", Reason: "must not be negative"}
	}
	if i.SkippedEscalationThreshold < 0 {
		return errors.ValidationError{Field: "instance.skippedEscalationThreshold", Reason: "must not be negative"}
	}
	return i.Pattern.Validate()
}

// TagRule maps directories whose path contains Match to Tag.
type TagRule struct {
	Match string `json:"match"`
	Tag   string `json:"tag"`
}

// Multigrid configures discovery of grid directories under an acquisition
// root.
type Multigrid struct {
	PollInterval Duration `json:"pollInterval,omitempty"`
	MaxDepth     int      `json:"maxDepth,omitempty"`
	DefaultTag   string   `json:"defaultTag,omitempty"`

	// CreateDirectories are made under the root when discovery starts, so
	// that the acquisition software can write into them.
	CreateDirectories []string `json:"createDirectories,omitempty"`

	// UseEvents wakes discovery up on filesystem events in addition to the
	// regular poll.
	UseEvents bool `json:"useEvents,omitempty"`

	TagRules []TagRule `json:"tagRules,omitempty"`
}

// Validate checks the discovery configuration.
func (m Multigrid) Validate() error {
	if m.PollInterval.Duration <= 0 {
		return errors.ValidationError{Field: "multigrid.pollInterval", Reason: "must be positive"}
	}
	if m.MaxDepth < 1 {
		return errors.ValidationError{Field: "multigrid.maxDepth", Reason: "must be at least 1"}
	}
	if m.DefaultTag == "" {
		return errors.ValidationError{Field: "multigrid.defaultTag", Reason: "must not be empty"}
	}
	for _, rule := range m.TagRules {
		if rule.Match == "" || rule.Tag == "" {
			return errors.ValidationError{Field: "multigrid.tagRules",
				Reason: "every rule needs both match and tag"}
		}
	}
	for _, dir := range m.CreateDirectories {
		if filepath.IsAbs(dir) || strings.HasPrefix(filepath.Clean(dir), "..") {
			return errors.ValidationError{Field: "multigrid.createDirectories",
				Reason: "must be relative to the root"}
		}
	}
	return nil
}

// Rsync configures the rsync executable.
type Rsync struct {
	Binary         string   `json:"binary,omitempty"`
	MinimumVersion string   `json:"minimumVersion,omitempty"`
	Chmod          string   `json:"chmod,omitempty"`
	ExtraArgs      []string `json:"extraArgs,omitempty"`
}
