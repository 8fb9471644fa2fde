package registry

import (
	"context"
	"time"

	"github.com/sidkik/emsync/pkg/rsync"
)

// Store persists instance descriptors.
type Store interface {
	// SaveInstance creates or replaces the descriptor for the instance's key.
	SaveInstance(ctx context.Context, inst Instance) error

	// LoadInstances returns every descriptor for the session, including
	// finalised ones.
	LoadInstances(ctx context.Context, sessionID int64) ([]Instance, error)

	// LoadActiveInstances returns the descriptors that aren't finalised,
	// across all sessions.
	LoadActiveInstances(ctx context.Context) ([]Instance, error)

	// DeleteInstance deletes the descriptor. Deleting a descriptor that
	// doesn't exist isn't an error.
	DeleteInstance(ctx context.Context, sessionID int64, source string) error
}

// EventType is the kind of state transition an Event reports.
type EventType string

// The events sent to the Notifier.
const (
	EventRegistered EventType = "registered"
	EventPaused     EventType = "paused"
	EventResumed    EventType = "resumed"
	EventFinalised  EventType = "finalised"
	EventRemoved    EventType = "removed"
	EventProgress   EventType = "progress"
	EventBroken     EventType = "broken"
)

// Event is a state transition of an instance.
type Event struct {
	SessionID int64     `json:"session_id"`
	Type      EventType `json:"type"`
	Payload   Instance  `json:"payload"`
	Time      time.Time `json:"time"`
}

// Notifier is told about state transitions. Delivery is best effort, so
// Notify must not block.
type Notifier interface {
	Notify(Event)
}

// Job asks the processing pipeline to process a finalised instance.
type Job struct {
	SessionID        int64     `json:"session_id"`
	Source           string    `json:"source"`
	Destination      string    `json:"destination"`
	Tag              string    `json:"tag"`
	FilesTransferred int64     `json:"files_transferred"`
	FinalisedAt      time.Time `json:"finalised_at"`
}

// Pipeline accepts processing jobs.
type Pipeline interface {
	Submit(ctx context.Context, job Job) error
}

// Runner is the part of rsync.Runner that the registry uses.
type Runner interface {
	Start() (<-chan rsync.Event, error)
	Stop()
	Wait(ctx context.Context) error
	IsAlive() bool
	RunOnce(ctx context.Context, opts rsync.PassOptions) ([]rsync.Event, error)
}

// Counter is the part of counter.Counter that the registry uses.
type Counter interface {
	Start() <-chan int64
	Stop()
	ScanOnce() int64
	IsRunning() bool
}
