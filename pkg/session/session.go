// Package session tracks acquisition sessions and the clients connected to
// them.
package session

import (
	"context"
	goSync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
)

// Session is one visit to an instrument. Its rsync instances are tracked by
// the registry.
type Session struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Visit          string     `json:"visit"`
	InstrumentName string     `json:"instrument_name"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	VisitEndTime   *time.Time `json:"visit_end_time,omitempty"`
	Started        bool       `json:"started"`
}

// Client is a connected acquisition client.
type Client struct {
	ID          string    `json:"id"`
	Connected   bool      `json:"connected"`
	SessionID   *int64    `json:"session_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Store persists sessions.
type Store interface {
	// CreateSession persists a new session and returns it with its ID set.
	CreateSession(ctx context.Context, sess Session) (Session, error)
	SaveSession(ctx context.Context, sess Session) error
	LoadSessions(ctx context.Context) ([]Session, error)
}

// Registry is the part of registry.Registry that sessions use.
type Registry interface {
	AttachSession(ctx context.Context, sessionID int64) ([]registry.Instance, error)
	StopSession(ctx context.Context, sessionID int64) error
}

// Stopper is told when a session ends.
type Stopper interface {
	StopSession(ctx context.Context, sessionID int64) error
}

// Manager tracks sessions and clients.
type Manager struct {
	store    Store
	registry Registry
	clock    clockwork.Clock

	lock     goSync.Mutex
	sessions map[int64]Session
	clients  map[string]*Client
	drivers  map[int64]string
	stoppers []Stopper
}

// NewManager creates a Manager. Sessions aren't loaded until Load is called.
func NewManager(store Store, reg Registry, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		store:    store,
		registry: reg,
		clock:    clock,
		sessions: map[int64]Session{},
		clients:  map[string]*Client{},
		drivers:  map[int64]string{},
	}
}

// OnEnd registers s to be stopped whenever a session ends.
func (m *Manager) OnEnd(s Stopper) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.stoppers = append(m.stoppers, s)
}

// Load reads every persisted session.
func (m *Manager) Load(ctx context.Context) error {
	sessions, err := m.store.LoadSessions(ctx)
	if err != nil {
		return errors.WithContext(err, "load sessions")
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	for _, sess := range sessions {
		m.sessions[sess.ID] = sess
	}
	return nil
}

// Create persists a new session.
func (m *Manager) Create(ctx context.Context, sess Session) (Session, error) {
	if sess.Name == "" {
		return Session{}, errors.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	sess.ID = 0
	sess.Started = false
	sess.StartedAt = nil
	sess.CreatedAt = m.clock.Now()
	created, err := m.store.CreateSession(ctx, sess)
	if err != nil {
		return Session{}, errors.WithContext(err, "create session")
	}

	m.lock.Lock()
	m.sessions[created.ID] = created
	m.lock.Unlock()

	log.WithFields(log.Fields{
		"session": created.ID,
		"visit":   created.Visit,
	}).Info("Created session")
	return created, nil
}

// Get returns the session.
func (m *Manager) Get(sessionID int64) (Session, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, errors.NotFoundError{SessionID: sessionID}
	}
	return sess, nil
}

// Start marks the session as started, and reattaches any instances of it
// that were persisted but aren't live.
func (m *Manager) Start(ctx context.Context, sessionID int64) (Session, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return Session{}, err
	}

	if !sess.Started {
		now := m.clock.Now()
		sess.Started = true
		sess.StartedAt = &now
		if err := m.save(ctx, sess); err != nil {
			return Session{}, err
		}
	}

	if _, err := m.registry.AttachSession(ctx, sessionID); err != nil {
		return Session{}, errors.WithContext(err, "attach instances")
	}
	return sess, nil
}

// End stops everything belonging to the session. The persisted instances
// are kept, so the session can be started again.
func (m *Manager) End(ctx context.Context, sessionID int64) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	// Watchers go first, since a scan that is still running can register
	// new instances until its watcher has stopped.
	m.lock.Lock()
	stoppers := append(append([]Stopper{}, m.stoppers...), m.registry)
	delete(m.drivers, sessionID)
	m.lock.Unlock()

	for _, stopper := range stoppers {
		if err := stopper.StopSession(ctx, sessionID); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn(
				"Failed to stop part of session")
		}
	}

	now := m.clock.Now()
	sess.VisitEndTime = &now
	sess.Started = false
	if err := m.save(ctx, sess); err != nil {
		return err
	}

	log.WithField("session", sessionID).Info("Ended session")
	return nil
}

func (m *Manager) save(ctx context.Context, sess Session) error {
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return errors.WithContext(err, "save session")
	}

	m.lock.Lock()
	m.sessions[sess.ID] = sess
	m.lock.Unlock()
	return nil
}

// Connect registers a new client.
func (m *Manager) Connect() Client {
	client := &Client{
		ID:          uuid.New().String(),
		Connected:   true,
		ConnectedAt: m.clock.Now(),
	}

	m.lock.Lock()
	m.clients[client.ID] = client
	m.lock.Unlock()

	log.WithField("client", client.ID).Info("Client connected")
	return *client
}

// AttachClient binds the client to the session. The first client attached
// to a session becomes its driver.
func (m *Manager) AttachClient(clientID string, sessionID int64) (Client, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return Client{}, errors.ClientNotFoundError{ID: clientID}
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return Client{}, errors.NotFoundError{SessionID: sessionID}
	}

	id := sessionID
	client.SessionID = &id
	if _, ok := m.drivers[sessionID]; !ok {
		m.drivers[sessionID] = clientID
	}
	return *client, nil
}

// Disconnect forgets the client. If it was driving its session, another
// client of the session takes over.
func (m *Manager) Disconnect(clientID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return errors.ClientNotFoundError{ID: clientID}
	}
	delete(m.clients, clientID)

	if client.SessionID == nil || m.drivers[*client.SessionID] != clientID {
		return nil
	}

	sessionID := *client.SessionID
	delete(m.drivers, sessionID)
	for id, other := range m.clients {
		if other.SessionID != nil && *other.SessionID == sessionID {
			m.drivers[sessionID] = id
			break
		}
	}
	log.WithField("client", clientID).Info("Client disconnected")
	return nil
}

// ClaimDriver makes the client the driver of the session, unless another
// connected client already is.
func (m *Manager) ClaimDriver(clientID string, sessionID int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return errors.ClientNotFoundError{ID: clientID}
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return errors.NotFoundError{SessionID: sessionID}
	}

	if driver, ok := m.drivers[sessionID]; ok && driver != clientID {
		if _, connected := m.clients[driver]; connected {
			return errors.DriverConflictError{SessionID: sessionID, ActiveClient: driver}
		}
	}
	m.drivers[sessionID] = clientID
	return nil
}

// Driver returns the client driving the session.
func (m *Manager) Driver(sessionID int64) (string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	driver, ok := m.drivers[sessionID]
	return driver, ok
}
