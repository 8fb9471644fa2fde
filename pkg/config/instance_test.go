package config

import (
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern Pattern
		file    string
		exp     bool
	}{
		{"EmptyMatchesAll", Pattern{}, "FoilHole_1.tiff", true},
		{"HiddenNeverMatches", Pattern{}, ".FoilHole_1.tiff", false},
		{"Extension", Pattern{Extensions: []string{".tiff"}}, "FoilHole_1.tiff", true},
		{"ExtensionWithoutDot", Pattern{Extensions: []string{"eer"}}, "movie.eer", true},
		{"ExtensionCaseInsensitive", Pattern{Extensions: []string{".TIFF"}}, "movie.tiff", true},
		{"ExtensionMismatch", Pattern{Extensions: []string{".tiff"}}, "movie.mrc", false},
		{"Glob", Pattern{Globs: []string{"*_fractions.*"}}, "a_fractions.mrc", true},
		{"GlobMismatch", Pattern{Globs: []string{"Data_*"}}, "FoilHole.xml", false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, test.pattern.Matches(test.file))
		})
	}
}

func TestPatternValidate(t *testing.T) {
	assert.NoError(t, Pattern{Globs: []string{"*.tiff"}}.Validate())
	assert.Error(t, Pattern{Globs: []string{"[unclosed"}}.Validate())
}

func TestDurationYAML(t *testing.T) {
	var instance Instance
	require.NoError(t, yaml.Unmarshal([]byte("pollInterval: 1m30s\n"), &instance))
	assert.Equal(t, 90*time.Second, instance.PollInterval.Duration)

	out, err := yaml.Marshal(Instance{PollInterval: NewDuration(15 * time.Second)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "pollInterval: 15s")

	assert.Error(t, yaml.Unmarshal([]byte("pollInterval: 15\n"), &instance))
}
