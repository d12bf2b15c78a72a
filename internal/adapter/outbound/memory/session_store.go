// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/clientsession"
)

// DefaultCleanupInterval is a one-minute polling cadence for ListExpired.
// Nothing in this module uses it: the clientsession.Manager's eviction
// sweep runs at the interval its caller passes to RunEvictionSweep.
const DefaultCleanupInterval = 1 * time.Minute

// ClientSessionStore implements clientsession.Store with an in-memory map.
// Safe for concurrent use. Sessions do not need to survive a process
// restart, so there is no persistent variant.
type ClientSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*clientsession.Session
}

// NewClientSessionStore creates an empty in-memory ClientSession store.
func NewClientSessionStore() *ClientSessionStore {
	return &ClientSessionStore{
		sessions: make(map[string]*clientsession.Session),
	}
}

// Create stores a new session.
func (s *ClientSessionStore) Create(ctx context.Context, sess *clientsession.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get retrieves a session by ID. Expired sessions are reported as missing
// but not deleted here; the eviction sweep owns deletion.
func (s *ClientSessionStore) Get(ctx context.Context, id string) (*clientsession.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, clientsession.ErrNotFound
	}
	if sess.IsExpired() {
		return nil, clientsession.ErrNotFound
	}
	return sess.Clone(), nil
}

// Update saves changes to an existing session.
func (s *ClientSessionStore) Update(ctx context.Context, sess *clientsession.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return clientsession.ErrNotFound
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete removes a session.
func (s *ClientSessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ListExpired returns the IDs of every expired session.
func (s *ClientSessionStore) ListExpired(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []string
	for id, sess := range s.sessions {
		if sess.IsExpired() {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Size returns the number of sessions currently stored. Useful for tests.
func (s *ClientSessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Compile-time interface verification.
var _ clientsession.Store = (*ClientSessionStore)(nil)
