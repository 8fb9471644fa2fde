package multigrid

import (
	"context"
	"path/filepath"
	"strconv"
	goSync "sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/config"
	"github.com/sidkik/emsync/pkg/errors"
)

// Drivers decides which client may drive discovery for a session. It's
// implemented by session.Manager.
type Drivers interface {
	ClaimDriver(clientID string, sessionID int64) error
}

// WatchRequest asks for a session's multigrid root to be watched.
type WatchRequest struct {
	ClientID string `json:"client_id" validate:"required"`
	Root     string `json:"root" validate:"required"`

	// Destination defaults to a directory named after the session and the
	// root under the server's destination root.
	Destination string `json:"destination,omitempty"`
}

// Status describes the controller watching a session.
type Status struct {
	SessionID   int64    `json:"session_id"`
	Root        string   `json:"root"`
	Destination string   `json:"destination"`
	State       State    `json:"state"`
	Sources     []string `json:"sources"`
}

type watched struct {
	controller *Controller
	cancel     context.CancelFunc
	request    WatchRequest
}

// Manager runs at most one Controller per session.
type Manager struct {
	registrar       Registrar
	drivers         Drivers
	config          config.Multigrid
	destinationRoot string
	clock           clockwork.Clock

	lock        goSync.Mutex
	controllers map[int64]*watched
}

// NewManager creates a Manager that registers the streams it discovers with
// registrar.
func NewManager(registrar Registrar, drivers Drivers, cfg config.Multigrid,
	destinationRoot string, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		registrar:       registrar,
		drivers:         drivers,
		config:          cfg,
		destinationRoot: destinationRoot,
		clock:           clock,
		controllers:     map[int64]*watched{},
	}
}

// StartWatcher starts watching the session's root on behalf of the
// requesting client, which must be allowed to drive the session. If the
// session is already being watched, the existing controller is returned.
func (m *Manager) StartWatcher(sessionID int64, req WatchRequest) (Status, error) {
	if err := m.drivers.ClaimDriver(req.ClientID, sessionID); err != nil {
		return Status{}, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if w, ok := m.controllers[sessionID]; ok {
		if w.controller.State() != StateStopped {
			return w.status(sessionID), nil
		}
		delete(m.controllers, sessionID)
	}

	if req.Destination == "" {
		req.Destination = filepath.Join(m.destinationRoot,
			strconv.FormatInt(sessionID, 10), filepath.Base(req.Root))
	}

	controller := NewController(m.registrar, Options{
		SessionID:   sessionID,
		Root:        req.Root,
		Destination: req.Destination,
		Config:      m.config,
		Clock:       m.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := controller.Start(ctx); err != nil {
		cancel()
		return Status{}, err
	}

	w := &watched{controller: controller, cancel: cancel, request: req}
	m.controllers[sessionID] = w
	return w.status(sessionID), nil
}

// Status returns the controller watching the session.
func (m *Manager) Status(sessionID int64) (Status, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	w, ok := m.controllers[sessionID]
	if !ok {
		return Status{}, errors.NotFoundError{SessionID: sessionID}
	}
	return w.status(sessionID), nil
}

// StopWatcher stops watching the session's root.
func (m *Manager) StopWatcher(sessionID int64) error {
	m.lock.Lock()
	w, ok := m.controllers[sessionID]
	delete(m.controllers, sessionID)
	m.lock.Unlock()

	if !ok {
		return errors.NotFoundError{SessionID: sessionID}
	}

	w.stop()
	log.WithField("session", sessionID).Info("Stopped multigrid watcher")
	return nil
}

// StopSession implements session.Stopper.
func (m *Manager) StopSession(ctx context.Context, sessionID int64) error {
	if err := m.StopWatcher(sessionID); err != nil && !errors.As(err, &errors.NotFoundError{}) {
		return err
	}
	return nil
}

// Shutdown stops every controller.
func (m *Manager) Shutdown() {
	m.lock.Lock()
	controllers := m.controllers
	m.controllers = map[int64]*watched{}
	m.lock.Unlock()

	for _, w := range controllers {
		w.stop()
	}
}

func (w *watched) stop() {
	w.cancel()
	w.controller.Stop()
}

func (w *watched) status(sessionID int64) Status {
	return Status{
		SessionID:   sessionID,
		Root:        w.controller.opts.Root,
		Destination: w.request.Destination,
		State:       w.controller.State(),
		Sources:     w.controller.Sources(),
	}
}
