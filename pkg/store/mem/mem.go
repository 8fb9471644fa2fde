// Package mem implements the registry and session stores in memory. It's
// used when no database is configured, and in tests.
package mem

import (
	"context"
	"sort"
	goSync "sync"
	"time"

	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
	"github.com/sidkik/emsync/pkg/session"
)

// Store is an in-memory registry.Store and session.Store.
type Store struct {
	lock      goSync.Mutex
	instances map[registry.Key]registry.Instance
	sessions  map[int64]session.Session
	nextID    int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		instances: map[registry.Key]registry.Instance{},
		sessions:  map[int64]session.Session{},
		nextID:    1,
	}
}

// SaveInstance implements registry.Store.
func (s *Store) SaveInstance(ctx context.Context, inst registry.Instance) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.instances[inst.Key()] = inst
	return nil
}

// LoadInstances implements registry.Store.
func (s *Store) LoadInstances(ctx context.Context, sessionID int64) ([]registry.Instance, error) {
	return s.filter(func(inst registry.Instance) bool {
		return inst.SessionID == sessionID
	}), nil
}

// LoadActiveInstances implements registry.Store.
func (s *Store) LoadActiveInstances(ctx context.Context) ([]registry.Instance, error) {
	return s.filter(func(inst registry.Instance) bool {
		return !inst.Finalised
	}), nil
}

// DeleteInstance implements registry.Store.
func (s *Store) DeleteInstance(ctx context.Context, sessionID int64, source string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.instances, registry.Key{SessionID: sessionID, Source: source})
	return nil
}

// filter returns the matching instances ordered by creation time.
func (s *Store) filter(match func(registry.Instance) bool) []registry.Instance {
	s.lock.Lock()
	defer s.lock.Unlock()

	var matched []registry.Instance
	for _, inst := range s.instances {
		if match(inst) {
			matched = append(matched, inst)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].Source < matched[j].Source
	})
	return matched
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	sess.ID = s.nextID
	s.nextID++
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// SaveSession implements session.Store.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return errors.NotFoundError{SessionID: sess.ID}
	}
	s.sessions[sess.ID] = sess
	return nil
}

// LoadSessions implements session.Store.
func (s *Store) LoadSessions(ctx context.Context) ([]session.Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	sessions := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}
