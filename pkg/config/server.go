package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/errors"
)

// Server is the configuration of the emsync server.
type Server struct {
	Version string `json:"version,omitempty"`

	// Listen is the address the HTTP API binds to.
	Listen string `json:"listen,omitempty"`

	// Database is the path of the sqlite database.
	Database string `json:"database,omitempty"`

	// RedisURL and RedisChannel configure the optional Redis fan-out of
	// instance events.
	RedisURL     string `json:"redisURL,omitempty"`
	RedisChannel string `json:"redisChannel,omitempty"`

	// AMQPURL and ProcessingExchange configure where processing jobs are
	// published after finalise. Jobs are only submitted for instances whose
	// tag is in ProcessingTags.
	AMQPURL            string   `json:"amqpURL,omitempty"`
	ProcessingExchange string   `json:"processingExchange,omitempty"`
	ProcessingTags     []string `json:"processingTags,omitempty"`

	// SnapshotInterval is how often changed counters are persisted.
	SnapshotInterval Duration `json:"snapshotInterval,omitempty"`

	// LivenessInterval is how often runners are probed for unexpected exits.
	LivenessInterval Duration `json:"livenessInterval,omitempty"`

	// DestinationRoot is where discovered multigrid directories are
	// transferred to.
	DestinationRoot string `json:"destinationRoot,omitempty"`

	Rsync     Rsync     `json:"rsync,omitempty"`
	Instance  Instance  `json:"instance,omitempty"`
	Multigrid Multigrid `json:"multigrid,omitempty"`
}

func (c Server) getVersion() string {
	return c.Version
}

// InitialServerConfigVersion is the first version of the emsync server
// config. Config files that do not specify a version default to this
// version.
const InitialServerConfigVersion = "v1alpha1"

// SupportedServerConfigVersion is the version of the server config that this
// binary understands.
const SupportedServerConfigVersion = "v1alpha1"

// DefaultServerConfigPath is the config file used when none is given.
const DefaultServerConfigPath = "~/.emsync.yaml"

// Environment variables that override the config file.
const (
	ListenEnvKey   = "EMSYNC_LISTEN"
	DatabaseEnvKey = "EMSYNC_DATABASE"
	RedisURLEnvKey = "EMSYNC_REDIS_URL"
	AMQPURLEnvKey  = "EMSYNC_AMQP_URL"
)

// DefaultServer returns the configuration used for any field that isn't
// set in the config file.
func DefaultServer() Server {
	return Server{
		Version:            InitialServerConfigVersion,
		Listen:             ":8000",
		Database:           "~/.emsync/emsync.db",
		RedisChannel:       "emsync:events",
		ProcessingExchange: "emsync.processing",
		ProcessingTags:     []string{"fractions"},
		SnapshotInterval:   NewDuration(30 * time.Second),
		LivenessInterval:   NewDuration(10 * time.Second),
		DestinationRoot:    "~/emsync-data",
		Rsync: Rsync{
			Binary:         "rsync",
			MinimumVersion: "3.1.0",
			Chmod:          "D0750,F0750",
		},
		Instance: Instance{
			PollInterval: NewDuration(15 * time.Second),
			GracePeriod:  NewDuration(5 * time.Second),
		},
		Multigrid: Multigrid{
			PollInterval:      NewDuration(15 * time.Second),
			MaxDepth:          2,
			DefaultTag:        "default",
			CreateDirectories: []string{"atlas"},
			TagRules: []TagRule{
				{Match: "Images-Disc", Tag: "fractions"},
				{Match: "metadata", Tag: "metadata"},
				{Match: "atlas", Tag: "atlas"},
				{Match: "Sample", Tag: "metadata"},
			},
		},
	}
}

// ParseServer parses the server configuration at path. A missing file at
// the default path isn't an error, and results in the default config.
func ParseServer(path string) (Server, error) {
	isDefault := path == "" || path == DefaultServerConfigPath
	if path == "" {
		path = DefaultServerConfigPath
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return Server{}, errors.WithContext(err, "expand homedir")
	}

	config := DefaultServer()
	err = parseConfig(expanded, &config, SupportedServerConfigVersion)
	switch {
	case err == nil:
	case isDefault && isFileNotFound(err):
		log.WithField("path", expanded).Debug("No server config found. Using defaults.")
		config = DefaultServer()
	default:
		return Server{}, errors.WithContext(err, "parse")
	}

	for _, field := range []*string{&config.Database, &config.DestinationRoot} {
		if *field == "" {
			continue
		}
		if *field, err = homedir.Expand(*field); err != nil {
			return Server{}, errors.WithContext(err, "expand homedir")
		}
	}
	return config, nil
}

func isFileNotFound(err error) bool {
	_, ok := errors.RootCause(err).(errors.FileNotFound)
	return ok
}

// ApplyEnv overrides fields with the EMSYNC_* environment variables. Values
// in the dotenv file at dotenvPath are used for variables that aren't set in
// the process environment. A missing dotenv file is ignored.
func (c *Server) ApplyEnv(dotenvPath string) error {
	dotenv := map[string]string{}
	if dotenvPath != "" {
		f, err := fs.Open(dotenvPath)
		switch {
		case err == nil:
			dotenv, err = godotenv.Parse(f)
			f.Close()
			if err != nil {
				return errors.WithContext(err, "parse dotenv")
			}
		case !os.IsNotExist(err):
			return errors.WithContext(err, "open dotenv")
		}
	}

	lookup := func(key string) (string, bool) {
		if val, ok := os.LookupEnv(key); ok {
			return val, true
		}
		val, ok := dotenv[key]
		return val, ok
	}

	for key, field := range map[string]*string{
		ListenEnvKey:   &c.Listen,
		DatabaseEnvKey: &c.Database,
		RedisURLEnvKey: &c.RedisURL,
		AMQPURLEnvKey:  &c.AMQPURL,
	} {
		if val, ok := lookup(key); ok {
			*field = strings.TrimSpace(val)
		}
	}
	return nil
}

// Validate checks the server configuration as a whole.
func (c Server) Validate() error {
	if c.Listen == "" {
		return errors.MissingFieldError{Field: "listen"}
	}
	if c.Database == "" {
		return errors.MissingFieldError{Field: "database"}
	}
	if c.SnapshotInterval.Duration <= 0 {
		return errors.ValidationError{Field: "snapshotInterval", Reason: "must be positive"}
	}
	if c.LivenessInterval.Duration <= 0 {
		return errors.ValidationError{Field: "livenessInterval", Reason: "must be positive"}
	}
	if err := c.Instance.Validate(); err != nil {
		return err
	}
	return c.Multigrid.Validate()
}
