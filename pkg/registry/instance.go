package registry

import (
	"time"

	"github.com/sidkik/emsync/pkg/config"
)

// Key identifies an instance. Sources are unique within a session.
type Key struct {
	SessionID int64
	Source    string
}

// Status is the state of an instance as shown to observers.
type Status string

// The statuses in order of precedence.
const (
	StatusBroken       Status = "broken"
	StatusFinalised    Status = "finalised"
	StatusPaused       Status = "paused"
	StatusTransferring Status = "transferring"
	StatusStopped      Status = "stopped"
)

// Instance is a snapshot of one source directory being transferred for a
// session. It's also the descriptor that's persisted.
type Instance struct {
	SessionID   int64          `json:"session_id"`
	Source      string         `json:"source"`
	Destination string         `json:"destination"`
	Tag         string         `json:"tag"`
	Pattern     config.Pattern `json:"pattern"`

	FilesCounted     int64 `json:"files_counted"`
	FilesTransferred int64 `json:"files_transferred"`
	BytesTransferred int64 `json:"bytes_transferred"`
	FilesSkipped     int   `json:"files_skipped"`

	Transferring bool `json:"transferring"`
	Paused       bool `json:"paused"`
	Broken       bool `json:"broken"`
	Finalised    bool `json:"finalised"`

	// Error describes why the instance is broken.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the key of the instance.
func (inst Instance) Key() Key {
	return Key{SessionID: inst.SessionID, Source: inst.Source}
}

// Status returns the most important state of the instance.
func (inst Instance) Status() Status {
	switch {
	case inst.Broken:
		return StatusBroken
	case inst.Finalised:
		return StatusFinalised
	case inst.Paused:
		return StatusPaused
	case inst.Transferring:
		return StatusTransferring
	default:
		return StatusStopped
	}
}

// Registration is a request to start transferring a source directory.
type Registration struct {
	SessionID   int64  `json:"session_id" validate:"required,gt=0"`
	Source      string `json:"source" validate:"required"`
	Destination string `json:"destination" validate:"required"`
	Tag         string `json:"tag"`

	// Pattern overrides the default pattern of counted files.
	Pattern *config.Pattern `json:"pattern,omitempty"`
}
