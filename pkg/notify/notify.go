package notify

import (
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/registry"
)

// Multi sends every event to each of its notifiers.
type Multi []registry.Notifier

// Notify implements registry.Notifier.
func (m Multi) Notify(event registry.Event) {
	for _, n := range m {
		n.Notify(event)
	}
}

// Logger logs every event at debug level.
type Logger struct{}

// Notify implements registry.Notifier.
func (Logger) Notify(event registry.Event) {
	log.WithFields(log.Fields{
		"session":     event.SessionID,
		"source":      event.Payload.Source,
		"type":        event.Type,
		"counted":     event.Payload.FilesCounted,
		"transferred": event.Payload.FilesTransferred,
	}).Debug("Instance event")
}
