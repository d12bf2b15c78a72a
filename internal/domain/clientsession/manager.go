package clientsession

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the default ClientSession expiration: a connected SSE
// stream refreshes it on every inbound POST, so this is really a
// disconnect-grace-period, not an idle budget for the underlying upstreams.
const DefaultTimeout = 30 * time.Minute

// Config holds ClientSession manager configuration.
type Config struct {
	// Timeout is the session expiration duration. Default: 30 minutes.
	Timeout time.Duration
}

// Manager creates and tracks ClientSessions for the SSE transport.
type Manager struct {
	store   Store
	timeout time.Duration
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, cfg Config) *Manager {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Manager{store: store, timeout: timeout}
}

// Open creates a new ClientSession for a just-accepted SSE connection.
// serverName is empty for a project-wide unified endpoint, set for a
// per-(project,server) passthrough endpoint.
func (m *Manager) Open(ctx context.Context, projectID, serverName string, principal *Principal, fp Fingerprint, legacyMode bool) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		ServerName:  serverName,
		Principal:   principal,
		Fingerprint: fp,
		LegacyMode:  legacyMode,
		status:      Active,
		CreatedAt:   now,
		LastAccess:  now,
		ExpiresAt:   now.Add(m.timeout),
		Outbound:    newOutboundQueue(),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create client session: %w", err)
	}
	return sess, nil
}

// Get retrieves a session by ID, evicting and reporting ErrNotFound if it
// has expired.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired() {
		_ = m.store.Delete(ctx, id)
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch extends a session's expiry and persists the change. Called on
// every companion POST /messages request that references the session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Touch(m.timeout)
	return m.store.Update(ctx, sess)
}

// RecordRequest updates a session's request counters and persists the
// change. ok is false when the dispatched request resulted in a JSON-RPC
// error or transport failure.
func (m *Manager) RecordRequest(ctx context.Context, id string, ok bool) error {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.RecordRequest(ok)
	return m.store.Update(ctx, sess)
}

// Disconnect marks a session inactive when its SSE stream closes, without
// removing it: a companion POST already in flight must still resolve.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.MarkInactive()
	return m.store.Update(ctx, sess)
}

// Close removes a session outright.
func (m *Manager) Close(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// RunEvictionSweep reaps expired sessions on the given interval until ctx
// is canceled. Mirrors the session-manager's idle-eviction ticker used for
// upstream sessions, applied here to client-facing sessions.
func (m *Manager) RunEvictionSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := m.store.ListExpired(ctx)
			if err != nil {
				continue
			}
			for _, id := range expired {
				_ = m.store.Delete(ctx, id)
			}
		}
	}
}
