package clientsession

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session doesn't exist or is expired.
var ErrNotFound = errors.New("client session not found")

// Store provides ClientSession persistence. Defined in the domain to avoid
// circular imports; the reference implementation is in-memory (sessions do
// not need to survive a process restart — spec: destroyed on disconnect or
// expiry).
type Store interface {
	// Create stores a new session.
	Create(ctx context.Context, sess *Session) error

	// Get retrieves a session by ID. Returns ErrNotFound if it doesn't
	// exist or has expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Update saves changes to an existing session (status, counters,
	// expiry).
	Update(ctx context.Context, sess *Session) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// ListExpired returns the IDs of every session whose ExpiresAt has
	// passed, for the eviction sweep to reap.
	ListExpired(ctx context.Context) ([]string, error)
}
